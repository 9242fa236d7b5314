package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	type createUserRequest struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}

	req := httptest.NewRequest("POST", "/admin/users",
		bytes.NewBufferString(`{"email":"ops@example.com","role":"admin"}`))

	var body createUserRequest
	require.NoError(t, ParseJSON(req, &body))
	assert.Equal(t, "ops@example.com", body.Email)
	assert.Equal(t, "admin", body.Role)
}

func TestParseJSONInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{invalid}`},
		{"empty body", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/admin/users", bytes.NewBufferString(tt.body))
			var dest map[string]string
			assert.Error(t, ParseJSON(req, &dest))
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/admin/users", bytes.NewBufferString(`{"email":"x"}`))
	var dest map[string]string

	assert.True(t, ParseJSONOrError(w, req, &dest))
}

func TestParseJSONOrErrorWritesBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/admin/users", bytes.NewBufferString(`{invalid}`))
	var dest map[string]string

	assert.False(t, ParseJSONOrError(w, req, &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathInt64(t *testing.T) {
	tests := []struct {
		name      string
		pathValue string
		want      int64
		wantErr   bool
	}{
		{"valid", "42", 42, false},
		{"max int64", "9223372036854775807", 9223372036854775807, false},
		{"not a number", "abc", 0, true},
		{"missing", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/users/"+tt.pathValue, nil)
			req = mux.SetURLVars(req, map[string]string{"id": tt.pathValue})

			val, err := ParsePathInt64(req, "id")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, val)
		})
	}
}

func TestParsePathInt64OrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/uploads/7", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "7"})

	val, ok := ParsePathInt64OrError(w, req, "id")
	assert.True(t, ok)
	assert.Equal(t, int64(7), val)
}

func TestParsePathInt64OrErrorInvalid(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/uploads/abc", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "abc"})

	_, ok := ParsePathInt64OrError(w, req, "id")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathString(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/flags/maintenance_mode", nil)
	req = mux.SetURLVars(req, map[string]string{"name": "maintenance_mode"})

	val, err := ParsePathString(req, "name")
	require.NoError(t, err)
	assert.Equal(t, "maintenance_mode", val)
}

func TestParsePathStringMissing(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/flags/", nil)

	_, err := ParsePathString(req, "name")
	assert.Error(t, err)
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/audit?limit=25", nil)

	val, err := ParseQueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 25, val)
}

func TestParseQueryIntDefault(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/audit", nil)

	val, err := ParseQueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, val)
}

func TestParseQueryIntInvalid(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/audit?limit=lots", nil)

	_, err := ParseQueryInt(req, "limit", 50)
	assert.Error(t, err)
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/jobs?status=queued", nil)

	assert.Equal(t, "queued", ParseQueryString(req, "status", ""))
	assert.Equal(t, "all", ParseQueryString(req, "kind", "all"))
}

func TestParseQueryBool(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/users?include_inactive=true", nil)

	val, err := ParseQueryBool(req, "include_inactive", false)
	require.NoError(t, err)
	assert.True(t, val)

	val, err = ParseQueryBool(req, "missing", true)
	require.NoError(t, err)
	assert.True(t, val)
}

func TestRequireNonEmpty(t *testing.T) {
	w := httptest.NewRecorder()

	assert.False(t, RequireNonEmpty(w, "", "email"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "email is required")
}

func TestRequirePositive(t *testing.T) {
	w := httptest.NewRecorder()

	assert.False(t, RequirePositive(w, 0, "user_id"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "user_id must be positive")
}

func TestValidateAll(t *testing.T) {
	w := httptest.NewRecorder()

	ok := ValidateAll(w,
		func() (bool, string) { return true, "" },
		func() (bool, string) { return false, "role must be one of user, viewer, admin, superadmin" },
		func() (bool, string) { return true, "" },
	)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "role must be one of")
}

func TestValidateAllSuccess(t *testing.T) {
	w := httptest.NewRecorder()

	ok := ValidateAll(w,
		func() (bool, string) { return true, "" },
		func() (bool, string) { return true, "" },
	)

	assert.True(t, ok)
}
