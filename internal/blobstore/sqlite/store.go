package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	imgcache "github.com/ryzup/imgcache/internal"
)

// Store is a named store whose entries live in the entries table.
type Store struct {
	db   *Storage
	name string
}

// Name returns the store name.
func (st *Store) Name() string { return st.name }

// Match returns the most recently stored variant under req's URL whose Vary
// headers agree with req.
func (st *Store) Match(ctx context.Context, req *imgcache.Request) (*imgcache.Response, bool, error) {
	if !req.Cacheable() {
		return nil, false, nil
	}
	rows, err := st.db.read.QueryContext(ctx,
		`SELECT status, headers, vary, body, final_url, response_type
		 FROM entries WHERE store_name=? AND url=?
		 ORDER BY stored_at DESC`,
		st.name, req.Key(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("match %q in %q: %w", req.Key(), st.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		resp, vary, err := scanEntry(rows)
		if err != nil {
			return nil, false, fmt.Errorf("match %q in %q: %w", req.Key(), st.name, err)
		}
		if imgcache.VaryMatches(req, resp, vary) {
			return resp, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("match %q in %q: %w", req.Key(), st.name, err)
	}
	return nil, false, nil
}

// Put stores resp as the variant of req's URL keyed by the request headers
// its Vary list names. Variants that req matches are replaced; the others
// are kept. Writing into a store that has been deleted fails with
// ErrNotFound.
func (st *Store) Put(ctx context.Context, req *imgcache.Request, resp *imgcache.Response) error {
	if !req.Cacheable() {
		return fmt.Errorf("%w: cannot store %s request", imgcache.ErrBadRequest, req.Method)
	}
	headers, err := json.Marshal(nonNil(resp.Header))
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	// encoding/json sorts map keys, so equal captures encode identically.
	vary, err := json.Marshal(nonNil(imgcache.VaryHeaders(req, resp)))
	if err != nil {
		return fmt.Errorf("encode vary: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := st.db.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put %q in %q: %w", req.Key(), st.name, err)
	}
	defer tx.Rollback()

	replaced, err := st.matchingVariants(ctx, tx, req)
	if err != nil {
		return fmt.Errorf("put %q in %q: %w", req.Key(), st.name, err)
	}
	for _, v := range replaced {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE store_name=? AND url=? AND vary=?`,
			st.name, req.Key(), v,
		); err != nil {
			return fmt.Errorf("put %q in %q: replace variant: %w", req.Key(), st.name, err)
		}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO entries (store_name, url, vary, status, headers, body, final_url, response_type)
		 SELECT name, ?, ?, ?, ?, ?, ?, ? FROM stores WHERE name=?
		 ON CONFLICT(store_name, url, vary) DO UPDATE SET
		   status=excluded.status, headers=excluded.headers,
		   body=excluded.body, final_url=excluded.final_url,
		   response_type=excluded.response_type, stored_at=excluded.stored_at`,
		req.Key(), string(vary), resp.Status, string(headers), body, resp.URL, string(resp.Type), st.name,
	)
	if err != nil {
		return fmt.Errorf("put %q in %q: %w", req.Key(), st.name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store %q: %w", st.name, imgcache.ErrNotFound)
	}
	return tx.Commit()
}

// matchingVariants returns the vary keys of the stored variants req matches.
func (st *Store) matchingVariants(ctx context.Context, tx *sql.Tx, req *imgcache.Request) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT headers, vary FROM entries WHERE store_name=? AND url=?`,
		st.name, req.Key(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var headers, vary string
		if err := rows.Scan(&headers, &vary); err != nil {
			return nil, err
		}
		var stored imgcache.Response
		if err := json.Unmarshal([]byte(headers), &stored.Header); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
		var captured http.Header
		if err := json.Unmarshal([]byte(vary), &captured); err != nil {
			return nil, fmt.Errorf("decode vary: %w", err)
		}
		if imgcache.VaryMatches(req, &stored, captured) {
			keys = append(keys, vary)
		}
	}
	return keys, rows.Err()
}

// Len counts the entries in the store.
func (st *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := st.db.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE store_name=?`, st.name,
	).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*imgcache.Response, http.Header, error) {
	var (
		resp          imgcache.Response
		headers, vary string
		body          []byte
		respType      string
	)
	if err := s.Scan(&resp.Status, &headers, &vary, &body, &resp.URL, &respType); err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal([]byte(headers), &resp.Header); err != nil {
		return nil, nil, fmt.Errorf("decode headers: %w", err)
	}
	var varyHeader http.Header
	if err := json.Unmarshal([]byte(vary), &varyHeader); err != nil {
		return nil, nil, fmt.Errorf("decode vary: %w", err)
	}
	resp.Body = body
	resp.Type = imgcache.ResponseType(respType)
	return &resp, varyHeader, nil
}

func nonNil(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h
}
