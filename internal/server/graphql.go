package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"go.uber.org/zap"

	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/resolver"
)

// syncField is the only query field served.
const syncField = "sync"

// Extension codes of GraphQL errors.
const (
	CodeInvalidToken = "INVALID_TOKEN"
	CodeMaxLimit     = "MAX_LIMIT"
	CodeBadInput     = "BAD_USER_INPUT"
	CodeParseFailed  = "GRAPHQL_PARSE_FAILED"
	CodeTimeout      = "TIMEOUT"
	CodeInternal     = "INTERNAL_SERVER_ERROR"
)

// GraphQLRequest is the body of POST /graphql.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// GraphQLError is one entry of the response errors list.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []string       `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// GraphQLResponse is the response envelope.
type GraphQLResponse struct {
	Data   map[string]any `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

func (s *Server) handleGraphQL(c *gin.Context) {
	req, err := readGraphQLRequest(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResponse(err.Error(), CodeBadInput, nil))
		return
	}

	field, err := syncSelection(req)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResponse(err.Error(), CodeParseFailed, nil))
		return
	}
	key := field.Alias
	if key == "" {
		key = field.Name
	}

	sreq, err := syncArguments(field, req.Variables)
	if err != nil {
		writeJSON(c, http.StatusOK, errorResponse(err.Error(), CodeBadInput, []string{key}))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.SyncTimeout)
	defer cancel()

	res, err := s.resolver.Sync(ctx, sreq)
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("sync failed", zap.String("stage", string(sreq.Stage)), zap.Error(err))
		}
		resp := errorResponse(err.Error(), code, []string{key})
		if r := model.ReasonOf(err); r != 0 {
			resp.Errors[0].Extensions["reason"] = r
		}
		writeJSON(c, status, resp)
		return
	}

	writeJSON(c, http.StatusOK, GraphQLResponse{
		Data: map[string]any{key: project(res, field.SelectionSet)},
	})
}

func readGraphQLRequest(c *gin.Context) (GraphQLRequest, error) {
	var req GraphQLRequest
	if c.Request.Method == http.MethodGet {
		req.Query = c.Query("query")
		req.OperationName = c.Query("operationName")
		if v := c.Query("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &req.Variables); err != nil {
				return req, fmt.Errorf("decode variables: %w", err)
			}
		}
	} else {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return req, fmt.Errorf("read body: %w", err)
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return req, fmt.Errorf("decode body: %w", err)
		}
	}
	if strings.TrimSpace(req.Query) == "" {
		return req, errors.New("query is required")
	}
	return req, nil
}

// syncSelection parses the document and returns the sync field of the
// selected operation.
func syncSelection(req GraphQLRequest) (*ast.Field, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "request", Input: req.Query})
	if err != nil {
		return nil, err
	}

	var op *ast.OperationDefinition
	switch {
	case req.OperationName != "":
		op = doc.Operations.ForName(req.OperationName)
		if op == nil {
			return nil, fmt.Errorf("unknown operation %q", req.OperationName)
		}
	case len(doc.Operations) == 1:
		op = doc.Operations[0]
	default:
		return nil, errors.New("operationName is required for documents with several operations")
	}
	if op.Operation != ast.Query {
		return nil, fmt.Errorf("%s operations are not supported", op.Operation)
	}

	for _, sel := range op.SelectionSet {
		if f, ok := sel.(*ast.Field); ok && f.Name == syncField {
			return f, nil
		}
	}
	return nil, fmt.Errorf("query must select %s", syncField)
}

// syncArguments converts the field arguments into a resolver request.
func syncArguments(f *ast.Field, vars map[string]any) (resolver.Request, error) {
	var req resolver.Request
	for _, arg := range f.Arguments {
		v, err := arg.Value.Value(vars)
		if err != nil {
			return req, fmt.Errorf("argument %s: %w", arg.Name, err)
		}
		if v == nil {
			continue
		}
		switch arg.Name {
		case "stage":
			s, ok := v.(string)
			if !ok {
				return req, fmt.Errorf("argument stage: expected string, got %T", v)
			}
			if req.Stage, err = ParseStage(s); err != nil {
				return req, err
			}
		case "since":
			if req.Since, err = ParseSince(v); err != nil {
				return req, err
			}
		case "limit":
			if req.Limit, err = toInt(v); err != nil {
				return req, fmt.Errorf("argument limit: %w", err)
			}
		case "offsetToken":
			s, ok := v.(string)
			if !ok {
				return req, fmt.Errorf("argument offsetToken: expected string, got %T", v)
			}
			req.OffsetToken = s
		default:
			return req, fmt.Errorf("unknown argument %q", arg.Name)
		}
	}
	if req.Stage == "" {
		return req, errors.New("argument stage is required")
	}
	return req, nil
}

// ParseStage accepts stored stage names and their upper or lower case
// spellings (DRAFT, live, ...).
func ParseStage(s string) (model.Stage, error) {
	if st, err := model.ParseStage(s); err == nil {
		return st, nil
	}
	return model.ParseStage(strings.ToLower(s))
}

// sinceLayouts are the accepted textual timestamp formats.
var sinceLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

// ParseSince accepts a timestamp string or unix seconds.
func ParseSince(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return time.Time{}, nil
		}
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), nil
		}
		for _, layout := range sinceLayouts {
			if t, err := time.ParseInLocation(layout, x, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, model.NewValidationError("invalid since timestamp", x)
	default:
		n, err := toInt(v)
		if err != nil {
			return time.Time{}, model.NewValidationError("invalid since timestamp", fmt.Sprint(v))
		}
		return time.Unix(int64(n), 0).UTC(), nil
	}
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case int:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("expected integer, got %v", x)
		}
		return int(x), nil
	case json.Number:
		n, err := x.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(x)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

// project keeps the top-level fields the query selected. An empty
// selection returns every field.
func project(res *resolver.Result, sel ast.SelectionSet) map[string]any {
	all := map[string]any{
		"totalCount": res.TotalCount,
		"updates":    res.Updates,
		"deletes":    res.Deletes,
		"nextCursor": res.NextCursor,
	}
	if len(sel) == 0 {
		return all
	}
	out := make(map[string]any, len(sel))
	for _, s := range sel {
		f, ok := s.(*ast.Field)
		if !ok {
			continue
		}
		v, known := all[f.Name]
		if !known {
			continue
		}
		key := f.Alias
		if key == "" {
			key = f.Name
		}
		out[key] = v
	}
	return out
}

// classify maps a sync error to an HTTP status and extension code.
func classify(err error) (int, string) {
	switch {
	case model.ReasonOf(err) == model.ReasonInvalidToken:
		return http.StatusOK, CodeInvalidToken
	case model.ReasonOf(err) == model.ReasonMaxLimit:
		return http.StatusOK, CodeMaxLimit
	case model.IsValidationError(err):
		return http.StatusOK, CodeBadInput
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	}
	return http.StatusInternalServerError, CodeInternal
}

func errorResponse(msg, code string, path []string) GraphQLResponse {
	return GraphQLResponse{
		Errors: []GraphQLError{{
			Message:    msg,
			Path:       path,
			Extensions: map[string]any{"code": code},
		}},
	}
}
