package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/letter-vault/internal/crypto"
	"github.com/kenneth/letter-vault/internal/middleware"
	"github.com/kenneth/letter-vault/internal/store"
)

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(ctx context.Context) error {
	return p.err
}

type apiHarness struct {
	handler  http.Handler
	backend  *store.MemoryBackend
	registry *crypto.Registry
}

func newAPIHarness(t *testing.T, strict bool, pinger Pinger, maxBody int64) *apiHarness {
	t.Helper()
	registry, err := crypto.NewRegistry(crypto.KeySource{
		PrimaryVersion: "v2",
		Keyring:        "v1:" + testKey(0x01) + ",v2:" + testKey(0x02),
	})
	require.NoError(t, err)
	t.Cleanup(registry.Destroy)
	svc, err := crypto.NewService(registry)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	backend := store.NewMemoryBackend()
	st, err := store.New(store.Options{
		Backend:     backend,
		Crypto:      svc,
		Logger:      logger,
		StrictReads: strict,
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	NewHandler(st, registry, pinger, logger, maxBody).RegisterRoutes(router)

	return &apiHarness{
		handler:  middleware.RequestIDMiddleware()(router),
		backend:  backend,
		registry: registry,
	}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error APIError `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error
}

func (h *apiHarness) corrupt(t *testing.T, collection, id string) {
	t.Helper()
	ctx := context.Background()
	doc, err := h.backend.Get(ctx, collection, id)
	require.NoError(t, err)
	env, err := crypto.ParseEnvelope(doc.Ciphertext)
	require.NoError(t, err)
	env.Tag[0] ^= 0xff
	doc.Ciphertext = env.String()
	doc.Revision = ""
	require.NoError(t, h.backend.Put(ctx, collection, doc))
}

const addressJSON = `{"line1":"1 High Street","city":"Cardiff","postcode":"CF10 1AA","country":"GB"}`

func TestProbes(t *testing.T) {
	h := newAPIHarness(t, false, fakePinger{}, 0)

	w := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	w = h.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())

	w = h.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var ready readyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "v2", ready.PrimaryVersion)
	assert.Equal(t, "keyring", ready.KeyMode)
	assert.ElementsMatch(t, []string{"v1", "v2"}, ready.KeyVersions)
	assert.Equal(t, "ok", ready.Backend)
	assert.NotContains(t, w.Body.String(), testKey(0x02))
}

func TestReady_BackendDown(t *testing.T) {
	h := newAPIHarness(t, false, fakePinger{err: errors.New("connection refused")}, 0)

	w := h.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"unreachable"`)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestAddressLifecycle(t *testing.T) {
	h := newAPIHarness(t, false, nil, 0)

	w := h.do(t, http.MethodGet, "/v1/users/u1/address", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"address":null}`, w.Body.String())

	w = h.do(t, http.MethodPut, "/v1/users/u1/address", addressJSON)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, http.MethodGet, "/v1/users/u1/address", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp addressResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Address)
	assert.Equal(t, "CF10 1AA", resp.Address.Postcode)

	doc, err := h.backend.Get(context.Background(), store.CollectionAddresses, "u1")
	require.NoError(t, err)
	assert.NotContains(t, w.Body.String(), doc.Ciphertext)
	assert.NotContains(t, doc.Ciphertext, "Cardiff")

	w = h.do(t, http.MethodDelete, "/v1/users/u1/address", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, http.MethodDelete, "/v1/users/u1/address", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decodeError(t, w).Code)
}

func TestAddress_RequestErrors(t *testing.T) {
	h := newAPIHarness(t, false, nil, 256)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "missing postcode", body: `{"line1":"1 High Street","city":"Cardiff"}`, status: http.StatusBadRequest, code: "ValidationError"},
		{name: "unknown field", body: `{"line1":"x","city":"y","postcode":"z","planet":"earth"}`, status: http.StatusBadRequest, code: "InvalidJSON"},
		{name: "malformed", body: `{"line1":`, status: http.StatusBadRequest, code: "InvalidJSON"},
		{name: "trailing data", body: addressJSON + `{}`, status: http.StatusBadRequest, code: "InvalidJSON"},
		{name: "too large", body: `{"line1":"` + strings.Repeat("a", 512) + `"}`, status: http.StatusRequestEntityTooLarge, code: "RequestTooLarge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPut, "/v1/users/u1/address", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			apiErr := decodeError(t, w)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.NotEmpty(t, apiErr.RequestID)
		})
	}
}

func TestAddress_UnreadableLenientAndStrict(t *testing.T) {
	lenient := newAPIHarness(t, false, nil, 0)
	require.Equal(t, http.StatusOK, lenient.do(t, http.MethodPut, "/v1/users/u1/address", addressJSON).Code)
	lenient.corrupt(t, store.CollectionAddresses, "u1")

	w := lenient.do(t, http.MethodGet, "/v1/users/u1/address", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"address":null}`, w.Body.String())

	strict := newAPIHarness(t, true, nil, 0)
	require.Equal(t, http.StatusOK, strict.do(t, http.MethodPut, "/v1/users/u1/address", addressJSON).Code)
	strict.corrupt(t, store.CollectionAddresses, "u1")

	w = strict.do(t, http.MethodGet, "/v1/users/u1/address", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	apiErr := decodeError(t, w)
	assert.Equal(t, "Undecryptable", apiErr.Code)
	assert.NotContains(t, apiErr.Message, "integrity")
}

func TestLetterLifecycle(t *testing.T) {
	h := newAPIHarness(t, false, nil, 0)

	w := h.do(t, http.MethodGet, "/v1/users/u1/letters", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"letters":[]}`, w.Body.String())

	w = h.do(t, http.MethodPost, "/v1/users/u1/letters", `{"title":"Potholes","recipient":"Jo Bloggs MP","body":"Please fix them."}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created letterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotNil(t, created.Letter)
	id := created.Letter.ID
	assert.NotEmpty(t, id)
	assert.Equal(t, "/v1/users/u1/letters/"+id, w.Header().Get("Location"))

	w = h.do(t, http.MethodGet, "/v1/users/u1/letters/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got letterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.Letter.Content)
	assert.Equal(t, "Potholes", got.Letter.Content.Title)

	w = h.do(t, http.MethodPut, "/v1/users/u1/letters/"+id, `{"title":"Potholes (again)","body":"Still there."}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, http.MethodGet, "/v1/users/u1/letters", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list lettersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Letters, 1)
	assert.Equal(t, "Potholes (again)", list.Letters[0].Content.Title)

	doc, err := h.backend.Get(context.Background(), store.CollectionLetters, "u1/"+id)
	require.NoError(t, err)
	assert.NotContains(t, w.Body.String(), doc.Ciphertext)

	w = h.do(t, http.MethodGet, "/v1/users/u2/letters", "")
	assert.JSONEq(t, `{"letters":[]}`, w.Body.String())

	w = h.do(t, http.MethodDelete, "/v1/users/u1/letters/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, http.MethodGet, "/v1/users/u1/letters/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLetter_Errors(t *testing.T) {
	h := newAPIHarness(t, false, nil, 0)

	w := h.do(t, http.MethodPost, "/v1/users/u1/letters", `{"title":"","body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", decodeError(t, w).Code)

	w = h.do(t, http.MethodPut, "/v1/users/u1/letters/missing", `{"title":"t","body":"b"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodDelete, "/v1/users/u1/letters/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLetter_UnreadableInList(t *testing.T) {
	h := newAPIHarness(t, false, nil, 0)

	var ids []string
	for _, title := range []string{"first", "second"} {
		w := h.do(t, http.MethodPost, "/v1/users/u1/letters", fmt.Sprintf(`{"title":%q,"body":"b"}`, title))
		require.Equal(t, http.StatusCreated, w.Code)
		var resp letterResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		ids = append(ids, resp.Letter.ID)
	}
	h.corrupt(t, store.CollectionLetters, "u1/"+ids[0])

	w := h.do(t, http.MethodGet, "/v1/users/u1/letters", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list lettersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Letters, 2)

	readable := 0
	for _, l := range list.Letters {
		if l.Unreadable {
			assert.Nil(t, l.Content)
			continue
		}
		readable++
		assert.Equal(t, "second", l.Content.Title)
	}
	assert.Equal(t, 1, readable)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "validation", err: &store.ValidationError{Field: "city", Message: "is required"}, status: http.StatusBadRequest, code: "ValidationError"},
		{name: "not found", err: fmt.Errorf("get: %w", store.ErrNotFound), status: http.StatusNotFound, code: "NotFound"},
		{name: "undecryptable", err: fmt.Errorf("%w: %w", store.ErrUndecryptable, crypto.ErrDecryptionFailed), status: http.StatusUnprocessableEntity, code: "Undecryptable"},
		{name: "conflict", err: store.ErrConflict, status: http.StatusConflict, code: "Conflict"},
		{name: "api error passes through", err: ErrBodyTooLarge, status: http.StatusRequestEntityTooLarge, code: "RequestTooLarge"},
		{name: "internal", err: errors.New("dial tcp 10.0.0.1:9000: refused"), status: http.StatusInternalServerError, code: "InternalError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := TranslateError(tt.err)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.status, apiErr.HTTPStatus)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.NotContains(t, apiErr.Message, "10.0.0.1")
		})
	}
	assert.Nil(t, TranslateError(nil))
}

func TestAPIError_WriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	ErrNotFound.WithRequestID("rid-1").WriteJSON(w)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":{"code":"NotFound","message":"The requested record does not exist.","request_id":"rid-1"}}`, w.Body.String())
	assert.Empty(t, ErrNotFound.RequestID, "shared error must not be mutated")
}
