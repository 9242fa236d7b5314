package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// ParseJSON decodes the request body into dest.
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes the request body into dest, answering 400 on
// failure. Returns false when the response has already been written.
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParsePathInt64 parses an int64 path variable.
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return 0, fmt.Errorf("missing path parameter: %s", key)
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %s", key, str)
	}
	return val, nil
}

// ParsePathInt64OrError parses an int64 path variable, answering 400 on
// failure.
func ParsePathInt64OrError(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	val, err := ParsePathInt64(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return 0, false
	}
	return val, true
}

// ParsePathString returns a non-empty string path variable.
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return str, nil
}

// ParseQueryInt parses an integer query parameter, falling back to
// defaultVal when absent.
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseQueryString returns a query parameter, falling back to defaultVal
// when absent.
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	if val := r.URL.Query().Get(key); val != "" {
		return val
	}
	return defaultVal
}

// ParseQueryBool parses a boolean query parameter, falling back to
// defaultVal when absent.
func ParseQueryBool(r *http.Request, key string, defaultVal bool) (bool, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.ParseBool(str)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for query param %s: %s", key, str)
	}
	return val, nil
}

// RequireNonEmpty answers 400 when value is empty.
func RequireNonEmpty(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		WriteValidationError(w, fmt.Sprintf("%s is required", fieldName))
		return false
	}
	return true
}

// RequirePositive answers 400 when value is zero or negative.
func RequirePositive(w http.ResponseWriter, value int64, fieldName string) bool {
	if value <= 0 {
		WriteValidationError(w, fmt.Sprintf("%s must be positive", fieldName))
		return false
	}
	return true
}

// Validator reports whether a value is valid, with a message for the 400
// body when it is not.
type Validator func() (bool, string)

// ValidateAll runs validators in order and answers 400 with the first
// failure's message.
func ValidateAll(w http.ResponseWriter, validators ...Validator) bool {
	for _, validator := range validators {
		if valid, errMsg := validator(); !valid {
			WriteValidationError(w, errMsg)
			return false
		}
	}
	return true
}
