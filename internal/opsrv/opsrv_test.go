// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package opsrv

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	serviceSets  []ServiceSetView
	applications []ApplicationView
}

func (f fakeSource) ServiceSets() []ServiceSetView     { return f.serviceSets }
func (f fakeSource) Applications() []ApplicationView { return f.applications }

func TestHandleServiceSetsRendersSourceSnapshot(t *testing.T) {
	s := New(Config{Source: fakeSource{serviceSets: []ServiceSetView{
		{ID: 7, Name: "sp0", RuleCount: 2, AppliedRuleCount: 5, TotalFlowCount: 10, ActiveFlowCount: 4},
	}}})

	req := httptest.NewRequest(http.MethodGet, "/status/servicesets", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var got []ServiceSetView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, uint32(7), got[0].ID)
	require.Equal(t, int64(4), got[0].ActiveFlowCount)
}

func TestHandleApplicationsRendersEmptySliceNotNull(t *testing.T) {
	s := New(Config{Source: fakeSource{}})

	req := httptest.NewRequest(http.MethodGet, "/status/applications", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, "[]", rr.Body.String())
}

func TestHandleHealthzReportsOK(t *testing.T) {
	s := New(Config{Source: fakeSource{}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestMetricsRouteIsRegistered(t *testing.T) {
	s := New(Config{Source: fakeSource{}})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
}
