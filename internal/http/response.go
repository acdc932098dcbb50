package http

// Status classifies a Response.
type Status string

const (
	// StatusOK is the health-check status.
	StatusOK Status = "OK"

	// StatusSuccess marks a completed store operation.
	StatusSuccess Status = "success"

	// StatusError marks a failed or unmatched operation.
	StatusError Status = "error"
)

// Response is the JSON envelope every endpoint returns. Lookups carry the
// key back alongside the value, and Found distinguishes an absent key from
// an empty value.
type Response struct {
	Status Status `json:"status"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
	Found  bool   `json:"found,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

// NewValueResponse reports a successful lookup.
func NewValueResponse(key, value string) Response {
	return Response{Status: StatusSuccess, Key: key, Value: value, Found: true}
}

// NewNotFoundResponse reports a lookup that matched no live key.
func NewNotFoundResponse(key string) Response {
	return Response{Status: StatusError, Key: key, Error: "key not found"}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
