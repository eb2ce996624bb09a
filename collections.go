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
	"strings"
)

// RuleAuthenticated allows any authenticated record.
const RuleAuthenticated = "@request.auth.id != ''"

// Field is a collection field definition.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// Collection describes a PocketBase collection schema. Nil rules leave the
// action restricted to superusers.
type Collection struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Fields     []Field  `json:"fields,omitempty"`
	Indexes    []string `json:"indexes,omitempty"`
	ListRule   *string  `json:"listRule,omitempty"`
	ViewRule   *string  `json:"viewRule,omitempty"`
	CreateRule *string  `json:"createRule,omitempty"`
	UpdateRule *string  `json:"updateRule,omitempty"`
	DeleteRule *string  `json:"deleteRule,omitempty"`
}

// Rule returns a pointer to expr for use in Collection rule fields.
func Rule(expr string) *string { return &expr }

// CollectionExists reports whether the named collection exists.
func CollectionExists(ctx context.Context, conn Conn, name string) (bool, error) {
	path, err := collectionPath(conn, name)
	if err != nil {
		return false, err
	}

	resp, err := conn.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return false, fmt.Errorf("read collection response: %w", readErr)
	}
	return false, mapHTTPError(resp.StatusCode, body)
}

// CreateCollection creates a collection. Type defaults to "base".
func CreateCollection(ctx context.Context, conn Conn, c Collection) error {
	if conn == nil {
		return errors.New("connection is nil")
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return errors.New("collection name is required")
	}
	if c.Type == "" {
		c.Type = "base"
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode collection payload: %w", err)
	}

	resp, err := conn.Do(ctx, http.MethodPost, "/api/collections", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := decodeJSONResponse(resp, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", c.Name, err)
	}
	return nil
}

// DeleteCollection drops the named collection and its records.
func DeleteCollection(ctx context.Context, conn Conn, name string) error {
	path, err := collectionPath(conn, name)
	if err != nil {
		return err
	}

	resp, err := conn.Do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := decodeJSONResponse(resp, nil); err != nil {
		return fmt.Errorf("delete collection %s: %w", strings.TrimSpace(name), err)
	}
	return nil
}

// EnsureCollection creates c unless a collection with the same name exists.
// It reports whether a collection was created.
func EnsureCollection(ctx context.Context, conn Conn, c Collection) (bool, error) {
	exists, err := CollectionExists(ctx, conn, c.Name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := CreateCollection(ctx, conn, c); err != nil {
		return false, err
	}
	return true, nil
}

func collectionPath(conn Conn, name string) (string, error) {
	if conn == nil {
		return "", errors.New("connection is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("collection name is required")
	}
	return "/api/collections/" + url.PathEscape(name), nil
}
