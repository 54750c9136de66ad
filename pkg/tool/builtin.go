package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type binaryArgs struct {
	A float64 `json:"a" jsonschema:"description=First operand"`
	B float64 `json:"b" jsonschema:"description=Second operand"`
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`
}

type webRequestArgs struct {
	URL    string `json:"url" jsonschema:"description=Absolute http(s) URL to fetch"`
	Method string `json:"method,omitempty" jsonschema:"description=HTTP method; defaults to GET"`
}

const webRequestBodyLimit = 64 * 1024

// Builtins returns the tool set every process registers at startup.
func Builtins() []Definition {
	return []Definition{
		{
			Name:        "add",
			Description: "Add two numbers and return the sum.",
			Parameters:  SchemaFor[binaryArgs](),
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				decoded, err := decodeArgs[binaryArgs](args)
				if err != nil {
					return nil, err
				}
				return decoded.A + decoded.B, nil
			},
		},
		{
			Name:        "multiply",
			Description: "Multiply two numbers and return the product.",
			Parameters:  SchemaFor[binaryArgs](),
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				decoded, err := decodeArgs[binaryArgs](args)
				if err != nil {
					return nil, err
				}
				return decoded.A * decoded.B, nil
			},
		},
		{
			Name:        "divide",
			Description: "Divide a by b and return the quotient. Fails when b is zero.",
			Parameters:  SchemaFor[binaryArgs](),
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				decoded, err := decodeArgs[binaryArgs](args)
				if err != nil {
					return nil, err
				}
				if decoded.B == 0 {
					return nil, fmt.Errorf("division by zero")
				}
				return decoded.A / decoded.B, nil
			},
		},
		{
			Name:        "current_time",
			Description: "Return the current time, optionally in a given timezone.",
			Parameters:  SchemaFor[currentTimeArgs](),
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				decoded, err := decodeArgs[currentTimeArgs](args)
				if err != nil {
					return nil, err
				}
				loc := time.UTC
				if decoded.Timezone != "" {
					if loc, err = time.LoadLocation(decoded.Timezone); err != nil {
						return nil, fmt.Errorf("unknown timezone %q", decoded.Timezone)
					}
				}
				return time.Now().In(loc).Format(time.RFC3339), nil
			},
		},
		{
			Name:        "web_request",
			Description: "Perform an HTTP request and return status and body.",
			Parameters:  SchemaFor[webRequestArgs](),
			Handler:     webRequest,
		},
	}
}

func webRequest(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	decoded, err := decodeArgs[webRequestArgs](args)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(decoded.URL, "http://") && !strings.HasPrefix(decoded.URL, "https://") {
		return nil, fmt.Errorf("url must be absolute http(s)")
	}
	method := strings.ToUpper(decoded.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, decoded.URL, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webRequestBodyLimit))
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}
