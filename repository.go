package pbmigrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Repository exposes CRUD helpers for the records of one collection.
type Repository[T any] struct {
	conn       Conn
	collection string
}

// NewRepository creates a repository bound to a PocketBase collection.
func NewRepository[T any](conn Conn, collection string) *Repository[T] {
	return &Repository[T]{
		conn:       conn,
		collection: strings.TrimSpace(collection),
	}
}

// ListOptions describes pagination and filtering options for list calls.
type ListOptions struct {
	Page    int
	PerPage int
	Filter  string
	Sort    string
	Fields  []string
}

// ListResult contains a page of items with pagination metadata.
type ListResult[T any] struct {
	Items      []T
	Page       int
	PerPage    int
	TotalItems int
	TotalPages int
}

// Get fetches a single record by ID.
func (r *Repository[T]) Get(ctx context.Context, id string) (*T, error) {
	path, err := r.recordPath(id)
	if err != nil {
		return nil, err
	}

	var out T
	if err := r.send(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns a page of records using the provided options.
func (r *Repository[T]) List(ctx context.Context, opts ListOptions) (*ListResult[T], error) {
	path, err := r.recordsPath()
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	if opts.Page > 0 {
		params.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		params.Set("perPage", strconv.Itoa(opts.PerPage))
	}
	if opts.Filter != "" {
		params.Set("filter", opts.Filter)
	}
	if opts.Sort != "" {
		params.Set("sort", opts.Sort)
	}
	if len(opts.Fields) > 0 {
		params.Set("fields", strings.Join(opts.Fields, ","))
	}
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var payload struct {
		Items      []T `json:"items"`
		Page       int `json:"page"`
		PerPage    int `json:"perPage"`
		TotalItems int `json:"totalItems"`
		TotalPages int `json:"totalPages"`
	}
	if err := r.send(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}

	totalPages := payload.TotalPages
	if totalPages == 0 && payload.PerPage > 0 {
		totalPages = (payload.TotalItems + payload.PerPage - 1) / payload.PerPage
	}

	return &ListResult[T]{
		Items:      payload.Items,
		Page:       payload.Page,
		PerPage:    payload.PerPage,
		TotalItems: payload.TotalItems,
		TotalPages: totalPages,
	}, nil
}

// All walks every page matching opts and returns the concatenated items.
// opts.Page is ignored.
func (r *Repository[T]) All(ctx context.Context, opts ListOptions) ([]T, error) {
	if opts.PerPage <= 0 {
		opts.PerPage = 200
	}

	all := make([]T, 0)
	for page := 1; ; page++ {
		opts.Page = page
		res, err := r.List(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Items...)
		if res.TotalPages == 0 || res.Page >= res.TotalPages || len(res.Items) == 0 {
			return all, nil
		}
	}
}

// First returns the first record matching filter, or ErrNotFound.
func (r *Repository[T]) First(ctx context.Context, filter string) (*T, error) {
	res, err := r.List(ctx, ListOptions{PerPage: 1, Filter: filter})
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, ErrNotFound
	}
	return &res.Items[0], nil
}

// Create inserts a new record.
func (r *Repository[T]) Create(ctx context.Context, record T) (*T, error) {
	path, err := r.recordsPath()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	var created T
	if err := r.send(ctx, http.MethodPost, path, payload, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Update patches an existing record.
func (r *Repository[T]) Update(ctx context.Context, id string, record T) (*T, error) {
	path, err := r.recordPath(id)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	var updated T
	if err := r.send(ctx, http.MethodPatch, path, payload, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes a record by ID.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	path, err := r.recordPath(id)
	if err != nil {
		return err
	}
	return r.send(ctx, http.MethodDelete, path, nil, nil)
}

func (r *Repository[T]) recordsPath() (string, error) {
	if r.conn == nil {
		return "", errors.New("repository connection is nil")
	}
	if r.collection == "" {
		return "", errors.New("collection is required")
	}
	return fmt.Sprintf("/api/collections/%s/records", url.PathEscape(r.collection)), nil
}

func (r *Repository[T]) recordPath(id string) (string, error) {
	base, err := r.recordsPath()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(id) == "" {
		return "", errors.New("id is required")
	}
	return base + "/" + url.PathEscape(id), nil
}

func (r *Repository[T]) send(ctx context.Context, method, path string, payload []byte, dst any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	resp, err := r.conn.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeJSONResponse(resp, dst)
}

// decodeJSONResponse reads and decodes the response, mapping HTTP errors to sentinel values.
func decodeJSONResponse(resp *http.Response, dst any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := mapHTTPError(resp.StatusCode, body); err != nil {
		return err
	}

	if dst == nil || len(body) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
