package apipoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/queue"
	"github.com/vigiasec/ingest/internal/retry"
)

// pageState carries the pagination position between requests.
type pageState struct {
	cursor string
	offset int
	page   int
}

// pollEndpoint fetches every page of one endpoint and dispatches the
// collected records. A failure on the first page fails the endpoint; a
// failure after data has already come in ends pagination early and the
// partial set still dispatches.
func (a *APIPoll) pollEndpoint(ctx context.Context, cfg Config, ep *Endpoint) error {
	pag := ep.Pagination
	limit := 1
	if pag != nil {
		limit = pag.MaxPages
	}

	var (
		collected []map[string]any
		state     = pageState{page: 1}
		pages     int
	)

loop:
	for pages < limit {
		if lim := a.limiter(ep); lim != nil && !lim.Allow() {
			a.metrics.RateLimited.WithLabelValues(a.Name()).Inc()
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		body, err := a.fetchPage(ctx, cfg, ep, state)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stage := "fetch"
			var jsonErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &jsonErr) || errors.As(err, &typeErr) {
				stage = "parse"
			}
			a.EmitError(stage, err)
			a.metrics.RecordConnectorError(a.Name(), stage)
			if pages == 0 {
				return err
			}
			// Keep what earlier pages produced.
			break
		}
		pages++

		records := extractRecords(body)
		collected = append(collected, records...)
		if pag == nil || len(records) == 0 {
			break
		}

		switch pag.Type {
		case "cursor":
			next, ok := cursorValue(body, pag.CursorPath)
			if !ok || next == "" {
				break loop
			}
			state.cursor = next
		case "offset":
			if pag.PageSize > 0 && len(records) < pag.PageSize {
				break loop
			}
			state.offset += pag.PageSize
		case "page":
			if pag.PageSize > 0 && len(records) < pag.PageSize {
				break loop
			}
			state.page++
		}
	}

	a.metrics.PollPages.WithLabelValues(a.Name()).Observe(float64(pages))

	if err := a.dispatch(ep, collected); err != nil {
		a.EmitError("store", err)
		a.metrics.RecordConnectorError(a.Name(), "store")
		return err
	}
	return nil
}

// fetchPage performs one request with retry and decodes the JSON body.
// Non-2xx responses surface as HTTPStatusError so the retry policy can
// tell retryable statuses apart from fatal ones.
func (a *APIPoll) fetchPage(ctx context.Context, cfg Config, ep *Endpoint, state pageState) (any, error) {
	u, err := joinURL(cfg.BaseURL, ep.Path)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	for k, v := range ep.QueryParams {
		q.Set(k, v)
	}
	if pag := ep.Pagination; pag != nil {
		param := pag.Param
		switch pag.Type {
		case "cursor":
			if param == "" {
				param = "cursor"
			}
			if state.cursor != "" {
				q.Set(param, state.cursor)
			}
		case "offset":
			if param == "" {
				param = "offset"
			}
			q.Set(param, strconv.Itoa(state.offset))
		case "page":
			if param == "" {
				param = "page"
			}
			q.Set(param, strconv.Itoa(state.page))
		}
		if pag.SizeParam != "" && pag.PageSize > 0 {
			q.Set(pag.SizeParam, strconv.Itoa(pag.PageSize))
		}
	}

	var decoded any
	err = retry.Do(ctx, a.retryConfig(cfg), func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, a.timeout(cfg))
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, ep.Method, u, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}
		for k, v := range ep.Headers {
			req.Header.Set(k, v)
		}
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json")
		}
		if err := a.applyAuth(reqCtx, req, ep); err != nil {
			return err
		}

		start := time.Now()
		resp, err := a.client.Do(req)
		a.ObserveLatency(time.Since(start))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		a.RecordBytes(len(body))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, URL: u}
		}

		decoded = nil
		if len(body) > 0 {
			if err := json.Unmarshal(body, &decoded); err != nil {
				return fmt.Errorf("apipoll: decode %s: %w", ep.Name, err)
			}
		}
		return nil
	})
	return decoded, err
}

// extractRecords pulls the record list out of a decoded response. Wrapped
// forms are tried in order (data, items, results); a bare array is taken
// as-is and anything else becomes a single record.
func extractRecords(body any) []map[string]any {
	switch v := body.(type) {
	case nil:
		return nil
	case []any:
		return toRecords(v)
	case map[string]any:
		for _, key := range []string{"data", "items", "results"} {
			if arr, ok := v[key].([]any); ok {
				return toRecords(arr)
			}
		}
		return []map[string]any{v}
	default:
		return []map[string]any{{"raw": body}}
	}
}

func toRecords(arr []any) []map[string]any {
	records := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			records = append(records, m)
			continue
		}
		records = append(records, map[string]any{"raw": item})
	}
	return records
}

// cursorValue resolves a dotted path like "meta.nextCursor" inside the
// decoded body. Numeric cursors are rendered back to strings.
func cursorValue(body any, path string) (string, bool) {
	cur := body
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// dispatch emits small batches record by record, preserving order, and
// turns anything larger into a single queue job. A full queue fails the
// endpoint so the cycle bookkeeping sees the loss.
func (a *APIPoll) dispatch(ep *Endpoint, records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}

	if len(records) <= syncBatchLimit || a.queue == nil {
		for _, rec := range records {
			delivered := a.EmitEvent(model.RawEvent{
				Source:  ep.Name,
				Message: recordMessage(rec),
				RawData: rec,
			})
			if delivered {
				a.metrics.RecordEvent(a.Name(), string(a.Type()))
			}
		}
		return nil
	}

	job := &queue.Job{
		ConnectorID:    a.ID(),
		ConnectorName:  a.Name(),
		Vendor:         a.vendor,
		OrganizationID: a.orgID,
		Source:         ep.Name,
		Priority:       queue.ForResponseType(ep.ResponseType),
		Records:        records,
	}
	if err := a.queue.Enqueue(job); err != nil {
		return fmt.Errorf("apipoll: enqueue %d records: %w", len(records), err)
	}
	a.Log.Debug().
		Int("records", len(records)).
		Str("endpoint", ep.Name).
		Str("priority", string(job.Priority)).
		Msg("batch queued")
	return nil
}

// recordMessage derives a readable one-liner from an API record.
func recordMessage(rec map[string]any) string {
	for _, key := range []string{"message", "msg", "title", "name", "summary", "description"} {
		if s, ok := rec[key].(string); ok && s != "" {
			return s
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return ""
	}
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}

func joinURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("apipoll: parse base url: %w", err)
	}
	joined, err := u.Parse(path)
	if err != nil {
		return "", fmt.Errorf("apipoll: join %q: %w", path, err)
	}
	return joined.String(), nil
}
