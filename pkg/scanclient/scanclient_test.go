// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package scanclient_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ledgerlake/scansink/internal/testcontext"
	"github.com/ledgerlake/scansink/pkg/scanclient"
	"github.com/ledgerlake/scansink/pkg/scandata"
)

func rawTransaction(updateID, recordTime string) scandata.RawUpdate {
	return scandata.RawUpdate{Transaction: &scandata.RawTransaction{
		UpdateID:       updateID,
		MigrationID:    1,
		SynchronizerID: "sync::a",
		RecordTime:     recordTime,
		EffectiveAt:    recordTime,
	}}
}

func serveUpdates(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func newClient(t *testing.T, url string) *scanclient.Client {
	return scanclient.New(zaptest.NewLogger(t), scanclient.Config{
		BaseURL:          url,
		BatchSize:        100,
		MaxRetries:       3,
		RetryBaseDelayMS: 1,
	})
}

func TestFetchPageData(t *testing.T) {
	ctx := testcontext.New(t)

	var gotBefore, gotAtOrAfter string
	server := serveUpdates(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/updates", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotBefore = req["before"].(string)
		gotAtOrAfter = req["at_or_after"].(string)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"transactions": []scandata.RawUpdate{
				rawTransaction("1220aa", "2025-03-01T12:00:00.500Z"),
				rawTransaction("1220bb", "2025-03-01T11:58:07.250Z"),
			},
		})
	})

	before := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	atOrAfter := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	result := newClient(t, server.URL).FetchPage(ctx, before, atOrAfter)

	page, ok := result.(scanclient.DataPage)
	require.True(t, ok, "expected DataPage, got %T", result)
	require.Len(t, page.Updates, 2)
	require.Equal(t, "2025-03-01T13:00:00Z", gotBefore)
	require.Equal(t, "2025-03-01T11:00:00Z", gotAtOrAfter)

	earliest := time.Date(2025, 3, 1, 11, 58, 7, 250e6, time.UTC)
	require.Equal(t, earliest, page.Earliest)
	require.Equal(t, earliest.Add(-time.Millisecond), page.NextBefore)
}

func TestFetchPageEmpty(t *testing.T) {
	ctx := testcontext.New(t)
	server := serveUpdates(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"transactions": []any{}})
	})

	result := newClient(t, server.URL).FetchPage(ctx, time.Now(), time.Now().Add(-time.Hour))
	require.IsType(t, scanclient.EmptyPage{}, result)
}

func TestFetchPageTransientRetried(t *testing.T) {
	ctx := testcontext.New(t)

	var calls atomic.Int64
	server := serveUpdates(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transactions": []scandata.RawUpdate{rawTransaction("1220cc", "2025-03-01T10:00:00Z")},
		})
	})

	result := newClient(t, server.URL).FetchPage(ctx, time.Now(), time.Now().Add(-time.Hour))
	require.IsType(t, scanclient.DataPage{}, result)
	require.Equal(t, int64(3), calls.Load())
}

func TestFetchPageExhaustedRetriesIsFailure(t *testing.T) {
	ctx := testcontext.New(t)

	var calls atomic.Int64
	server := serveUpdates(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	result := newClient(t, server.URL).FetchPage(ctx, time.Now(), time.Now().Add(-time.Hour))
	failure, ok := result.(scanclient.FetchFailure)
	require.True(t, ok, "expected FetchFailure, got %T", result)
	require.True(t, failure.Retryable)
	require.Equal(t, int64(3), calls.Load())
}

func TestFetchPageTerminalAbortsImmediately(t *testing.T) {
	ctx := testcontext.New(t)

	var calls atomic.Int64
	server := serveUpdates(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "not found", http.StatusNotFound)
	})

	result := newClient(t, server.URL).FetchPage(ctx, time.Now(), time.Now().Add(-time.Hour))
	failure, ok := result.(scanclient.FetchFailure)
	require.True(t, ok, "expected FetchFailure, got %T", result)
	require.False(t, failure.Retryable)
	require.Equal(t, int64(1), calls.Load())
}

func TestFetchACSPagination(t *testing.T) {
	ctx := testcontext.New(t)

	server := serveUpdates(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/state/acs", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		token, _ := req["page_token"].(string)
		switch token {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"created_events": []scandata.RawACSEntry{
					{ContractID: "c1", TemplateID: "pkg:Mod:Entity", RecordTime: "2025-03-01T00:00:00Z"},
				},
				"next_page_token": "page2",
			})
		case "page2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"created_events": []scandata.RawACSEntry{
					{ContractID: "c2", TemplateID: "pkg:Mod:Entity", RecordTime: "2025-03-01T00:00:00Z"},
				},
				"next_page_token": "",
			})
		default:
			t.Errorf("unexpected page token %q", token)
		}
	})

	client := newClient(t, server.URL)
	asOf := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	contractID := func(blob json.RawMessage) string {
		var entry scandata.RawACSEntry
		require.NoError(t, json.Unmarshal(blob, &entry))
		return entry.ContractID
	}

	entries, next, err := client.FetchACSPage(ctx, 1, asOf, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "c1", contractID(entries[0]))
	require.Equal(t, "page2", next)

	entries, next, err = client.FetchACSPage(ctx, 1, asOf, next)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "c2", contractID(entries[0]))
	require.Empty(t, next)
}
