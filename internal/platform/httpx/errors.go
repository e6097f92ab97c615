package httpx

import (
	"errors"
	"net/http"
)

// ErrBadRequest marks request bodies that could not be decoded.
var ErrBadRequest = errors.New("malformed request")

// Mapping ties a domain sentinel to the problem response it produces.
type Mapping struct {
	Err    error
	Status int
	Title  string
}

// RespondError writes the problem for the first mapping err matches. Errors
// carrying field details should implement FieldErrors to have them listed.
// Anything unmatched becomes a 500 without detail.
func RespondError(w http.ResponseWriter, err error, mappings ...Mapping) {
	var fe FieldErrors
	if errors.As(err, &fe) {
		ValidationProblem(w, err.Error(), fe.FieldErrors())
		return
	}
	if errors.Is(err, ErrBadRequest) {
		Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			Problem(w, m.Status, m.Title, err.Error())
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

// FieldErrors is implemented by validation errors that name fields.
type FieldErrors interface {
	error
	FieldErrors() map[string]string
}
