// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

package scanclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ledgerlake/scansink/internal/errs2"
	"github.com/ledgerlake/scansink/pkg/scandata"
)

var (
	// Error is the default error class for the package.
	Error = errs.Class("scanclient")

	mon = monkit.Package()
)

// Config holds the scan API client configuration.
type Config struct {
	BaseURL          string        `help:"base URL of the scan HTTP source" default:"" env:"SCAN_URL"`
	BatchSize        int           `help:"page size for update-history fetches" default:"1000" env:"BATCH_SIZE"`
	PageSize         int           `help:"page size for ACS snapshot fetches" default:"1000" env:"PAGE_SIZE"`
	ParallelFetches  int           `help:"in-flight pages per shard" default:"1" env:"PARALLEL_FETCHES"`
	MaxRetries       int           `help:"attempts per page before surfacing failure" default:"3"`
	RetryBaseDelayMS int64         `help:"base delay for exponential backoff, in milliseconds" default:"1000"`
	RetryMaxDelay    time.Duration `help:"cap on the backoff delay" default:"30s"`
	RequestTimeout   time.Duration `help:"per-request timeout" default:"120s"`
	InsecureTLS      bool          `help:"disable TLS certificate verification" default:"false" env:"INSECURE_TLS"`
}

// Client is a paginated consumer of a ledger scan API.
type Client struct {
	log    *zap.Logger
	config Config
	http   *resty.Client
}

// New constructs a Client. TLS verification stays on unless the insecure
// override is set explicitly.
func New(log *zap.Logger, config Config) *Client {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.PageSize <= 0 {
		config.PageSize = 1000
	}
	if config.ParallelFetches <= 0 {
		config.ParallelFetches = 1
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelayMS <= 0 {
		config.RetryBaseDelayMS = 1000
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.RequestTimeout).
		SetHeader("Accept", "application/json")
	if config.InsecureTLS {
		log.Warn("TLS certificate verification is disabled")
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &Client{log: log, config: config, http: client}
}

// ParallelFetches reports how many pages the caller may keep in flight
// ahead of ingestion.
func (client *Client) ParallelFetches() int {
	return client.config.ParallelFetches
}

type updatesRequest struct {
	Before    string `json:"before"`
	AtOrAfter string `json:"at_or_after"`
	PageSize  int    `json:"page_size"`
}

type updatesResponse struct {
	Transactions []json.RawMessage `json:"transactions"`
}

// FetchPage fetches one page of update history from the half-open window
// [atOrAfter, before). The retry budget is spent inside; the caller only
// sees the final result.
func (client *Client) FetchPage(ctx context.Context, before, atOrAfter time.Time) FetchResult {
	defer mon.Task()(&ctx)(nil)

	var page updatesResponse
	err := client.retried(ctx, func() error {
		page = updatesResponse{}
		resp, err := client.http.R().
			SetContext(ctx).
			SetBody(updatesRequest{
				Before:    before.UTC().Format(time.RFC3339Nano),
				AtOrAfter: atOrAfter.UTC().Format(time.RFC3339Nano),
				PageSize:  client.config.BatchSize,
			}).
			SetResult(&page).
			Post("/v0/updates")
		return client.statusErr(resp, err)
	})
	if err != nil {
		mon.Counter("fetch_failures").Inc(1)
		return FetchFailure{Err: err, Retryable: errs2.IsTransient(err)}
	}

	if len(page.Transactions) == 0 {
		mon.Counter("fetch_empty_pages").Inc(1)
		return EmptyPage{}
	}

	earliest, err := earliestRecordTime(page.Transactions)
	if err != nil {
		return FetchFailure{Err: err, Retryable: false}
	}
	mon.IntVal("fetch_page_updates").Observe(int64(len(page.Transactions)))
	return DataPage{
		Updates:  page.Transactions,
		Earliest: earliest,
		// Minus one millisecond so the boundary row is not fetched twice.
		NextBefore: earliest.Add(-time.Millisecond),
	}
}

type acsRequest struct {
	MigrationID int64  `json:"migration_id"`
	RecordTime  string `json:"record_time"`
	PageSize    int    `json:"page_size"`
	PageToken   string `json:"page_token,omitempty"`
}

type acsResponse struct {
	CreatedEvents []json.RawMessage `json:"created_events"`
	NextPageToken string            `json:"next_page_token"`
}

// FetchACSPage fetches one page of the active contract set as of recordTime.
// Entries stay as raw blobs for the normalizer. An empty returned token
// means the snapshot is exhausted.
func (client *Client) FetchACSPage(ctx context.Context, migrationID int64, recordTime time.Time, pageToken string) (entries []json.RawMessage, nextToken string, err error) {
	defer mon.Task()(&ctx)(&err)

	var page acsResponse
	err = client.retried(ctx, func() error {
		page = acsResponse{}
		resp, err := client.http.R().
			SetContext(ctx).
			SetBody(acsRequest{
				MigrationID: migrationID,
				RecordTime:  recordTime.UTC().Format(time.RFC3339Nano),
				PageSize:    client.config.PageSize,
				PageToken:   pageToken,
			}).
			SetResult(&page).
			Post("/v0/state/acs")
		return client.statusErr(resp, err)
	})
	if err != nil {
		return nil, "", err
	}
	return page.CreatedEvents, page.NextPageToken, nil
}

// statusErr folds resty transport errors and non-2xx statuses into one
// error, classified so the retry loop can tell transient from terminal.
func (client *Client) statusErr(resp *resty.Response, err error) error {
	if err != nil {
		return Error.Wrap(err)
	}
	if resp.IsError() {
		statusErr := &StatusError{Code: resp.StatusCode(), Body: string(resp.Body())}
		return Error.Wrap(statusErr)
	}
	return nil
}

// retried runs fn with exponential-plus-jitter backoff. Terminal errors and
// an exhausted attempt budget stop immediately.
func (client *Client) retried(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(client.config.RetryBaseDelayMS) * time.Millisecond
	policy.MaxInterval = client.config.RetryMaxDelay
	policy.MaxElapsedTime = 0

	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !errs2.IsTransient(err) || attempts >= client.config.MaxRetries {
			return backoff.Permanent(err)
		}
		mon.Counter("fetch_retries").Inc(1)
		client.log.Warn("transient fetch failure, backing off",
			zap.Int("attempt", attempts),
			zap.Error(err))
		return err
	}, backoff.WithContext(policy, ctx))
}

func earliestRecordTime(updates []json.RawMessage) (time.Time, error) {
	var earliest time.Time
	for _, blob := range updates {
		var update scandata.RawUpdate
		if err := json.Unmarshal(blob, &update); err != nil {
			return time.Time{}, Error.New("undecodable update: %v", err)
		}
		var raw string
		switch {
		case update.Transaction != nil:
			raw = update.Transaction.RecordTime
		case update.Reassignment != nil:
			raw = update.Reassignment.RecordTime
		default:
			continue
		}
		ts, err := scandata.ParseTime(raw)
		if err != nil {
			return time.Time{}, Error.New("unparseable record_time %q: %v", raw, err)
		}
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
	}
	if earliest.IsZero() {
		return time.Time{}, Error.New("page has no parsable record_time")
	}
	return earliest, nil
}
