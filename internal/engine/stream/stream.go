// Package stream turns a paginated remote search into a lazy sequence of
// item identifiers.
//
// One network call is made per page pulled, so arbitrarily large result sets
// never need full buffering. The sequence is finite and not restartable
// mid-flight: a new Stream starts again from the first page.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultPerPage is the page-size hint sent with each search request.
const DefaultPerPage = 150

// ErrNoIdentifier is returned by the default extractor when an item carries
// no usable id field.
var ErrNoIdentifier = errors.New("search result item has no identifier")

// Pager fetches one page of search results. The search query is bound inside
// the implementation; the stream only supplies pagination parameters and
// never interprets the query itself.
type Pager interface {
	SearchPage(ctx context.Context, page PageRequest) ([]byte, error)
}

// PageRequest is the pagination block sent with a search request.
// StartingAfter is empty for the first page.
type PageRequest struct {
	PerPage       int
	StartingAfter string
}

// Extractor derives an item identifier from one raw search result object.
type Extractor func(item json.RawMessage) (string, error)

// IDExtractor reads the "id" field of an item, accepting either a JSON
// string or an integer.
func IDExtractor(item json.RawMessage) (string, error) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(item, &envelope); err != nil {
		return "", fmt.Errorf("decoding search result item: %w", err)
	}
	if len(envelope.ID) == 0 {
		return "", ErrNoIdentifier
	}

	var s string
	if err := json.Unmarshal(envelope.ID, &s); err == nil {
		return s, nil
	}
	var n int64
	if err := json.Unmarshal(envelope.ID, &n); err == nil {
		return fmt.Sprintf("%d", n), nil
	}
	return "", ErrNoIdentifier
}

// itemListKeys are the alternate response keys the item list may live under.
// Checked in order; the first non-empty list wins.
var itemListKeys = []string{"conversations", "items", "data"}

// page is the decoded shape of one search response.
type page struct {
	body  map[string]json.RawMessage
	items []json.RawMessage
	next  string // continuation cursor, empty on the last page
}

// Stream lazily yields item identifiers from a paginated search. Usage
// follows the bufio.Scanner pattern:
//
//	s := stream.New(pager, stream.Options{})
//	for s.Next(ctx) {
//	    process(s.ID())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	pager   Pager
	perPage int
	extract Extractor
	log     zerolog.Logger

	started bool
	done    bool
	err     error

	buf    []json.RawMessage
	cursor string
	id     string

	pageCount int
	total     int
}

// Options configures a Stream. Zero values select DefaultPerPage and
// IDExtractor.
type Options struct {
	PerPage int
	Extract Extractor
	Log     zerolog.Logger
}

// New creates a stream over pager.
func New(pager Pager, opts Options) *Stream {
	if opts.PerPage <= 0 {
		opts.PerPage = DefaultPerPage
	}
	if opts.Extract == nil {
		opts.Extract = IDExtractor
	}
	return &Stream{
		pager:   pager,
		perPage: opts.PerPage,
		extract: opts.Extract,
		log:     opts.Log,
	}
}

// Next advances the stream to the next identifier, fetching a new page when
// the buffered one is exhausted. It returns false at the end of the result
// set or on the first error; Err distinguishes the two.
func (s *Stream) Next(ctx context.Context) bool {
	if s.err != nil || s.done {
		return false
	}

	for len(s.buf) == 0 {
		if s.started && s.cursor == "" {
			s.done = true
			s.log.Debug().Int("total_items", s.total).Int("pages", s.pageCount).Msg("search stream exhausted")
			return false
		}
		if !s.fetchPage(ctx) {
			return false
		}
	}

	id, err := s.extract(s.buf[0])
	if err != nil {
		s.err = err
		return false
	}
	s.buf = s.buf[1:]
	s.id = id
	return true
}

// ID returns the identifier produced by the last successful Next call.
func (s *Stream) ID() string {
	return s.id
}

// Err returns the error that terminated the stream, if any. A nil error
// after Next returns false means the result set was fully consumed.
func (s *Stream) Err() error {
	return s.err
}

// fetchPage pulls one page into the buffer. Any pager or decode failure is
// fatal for the whole stream: pagination failures are never masked by
// retries.
func (s *Stream) fetchPage(ctx context.Context) bool {
	s.pageCount++
	s.log.Debug().Int("page", s.pageCount).Msg("fetching search page")

	body, err := s.pager.SearchPage(ctx, PageRequest{
		PerPage:       s.perPage,
		StartingAfter: s.cursor,
	})
	if err != nil {
		s.err = fmt.Errorf("search page %d: %w", s.pageCount, err)
		return false
	}

	pg, err := decodePage(body)
	if err != nil {
		s.err = fmt.Errorf("search page %d: %w", s.pageCount, err)
		return false
	}

	if s.pageCount == 1 {
		s.logFirstPageTotals(pg)
	}
	s.log.Debug().Int("page", s.pageCount).Int("items", len(pg.items)).Msg("search page fetched")

	s.started = true
	s.total += len(pg.items)
	s.buf = pg.items
	s.cursor = pg.next
	return true
}

// logFirstPageTotals reports total_count/total_pages when the service
// includes them; both are optional.
func (s *Stream) logFirstPageTotals(pg *page) {
	evt := s.log.Info()
	var totalCount int
	if raw, ok := pg.body["total_count"]; ok && json.Unmarshal(raw, &totalCount) == nil {
		evt = evt.Int("total_count", totalCount)
	}
	var pages struct {
		TotalPages int `json:"total_pages"`
	}
	if raw, ok := pg.body["pages"]; ok && json.Unmarshal(raw, &pages) == nil && pages.TotalPages > 0 {
		evt = evt.Int("total_pages", pages.TotalPages)
	}
	evt.Msg("search started")
}

func decodePage(body []byte) (*page, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	pg := &page{body: fields}

	for _, key := range itemListKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decoding %q list: %w", key, err)
		}
		if len(items) > 0 {
			pg.items = items
			break
		}
	}

	if raw, ok := fields["pages"]; ok {
		var pages struct {
			Next *struct {
				StartingAfter string `json:"starting_after"`
			} `json:"next"`
		}
		if err := json.Unmarshal(raw, &pages); err != nil {
			return nil, fmt.Errorf("decoding pagination metadata: %w", err)
		}
		if pages.Next != nil {
			pg.next = pages.Next.StartingAfter
		}
	}

	return pg, nil
}
