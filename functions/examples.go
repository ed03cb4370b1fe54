// Package functions provides the example tools registered at startup.
// Responses are simulated; each handler shows where a real integration plugs in.
package functions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/room4-2/voicerelay/tools"
)

// RegisterDefaults registers every example tool
func RegisterDefaults(r *tools.Registry) {
	r.Register(SQLQueryTool())
	r.Register(AnalyticsTool())
	r.Register(KnowledgeBaseTool())
	r.Register(ExternalAPITool())
	r.Register(WeatherTool())
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("missing required argument: %s", key)
	}
	return v, nil
}

// intArg accepts the float64 that JSON numbers decode to
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// SQLQueryTool runs a query against a (simulated) database
func SQLQueryTool() tools.Definition {
	return tools.Definition{
		Name:        "execute_sql_query",
		Description: "Execute a SQL query on a database. Use this for data retrieval and analytics.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query":    prop("string", "The SQL query to execute"),
			"database": prop("string", "The database name (optional, defaults to main)"),
		}),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			query, err := requireString(args, "query")
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"success":  true,
				"database": stringArg(args, "database", "main"),
				"query":    query,
				"rows": []map[string]any{
					{"id": 1, "name": "Example", "value": 100},
					{"id": 2, "name": "Sample", "value": 200},
				},
				"rowCount": 2,
				"message":  "Query executed successfully (simulated)",
			}, nil
		},
	}
}

// AnalyticsTool returns a metric over a date range
func AnalyticsTool() tools.Definition {
	return tools.Definition{
		Name:        "get_analytics",
		Description: "Retrieve analytics data for a given time period and metric.",
		Parameters: objectSchema([]string{"metric", "startDate", "endDate"}, map[string]any{
			"metric":    prop("string", `The metric to retrieve (e.g., "users", "revenue", "conversions")`),
			"startDate": prop("string", "Start date in ISO format (YYYY-MM-DD)"),
			"endDate":   prop("string", "End date in ISO format (YYYY-MM-DD)"),
		}),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			metric, err := requireString(args, "metric")
			if err != nil {
				return nil, err
			}
			start, err := requireString(args, "startDate")
			if err != nil {
				return nil, err
			}
			end, err := requireString(args, "endDate")
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"metric": metric,
				"period": map[string]any{"start": start, "end": end},
				"value":  12345,
				"trend":  "+12.5%",
				"dataPoints": []map[string]any{
					{"date": start, "value": 10000},
					{"date": end, "value": 12345},
				},
				"message": "Analytics retrieved successfully (simulated)",
			}, nil
		},
	}
}

// KnowledgeBaseTool searches a (simulated) document index
func KnowledgeBaseTool() tools.Definition {
	return tools.Definition{
		Name:        "search_knowledge_base",
		Description: "Search the knowledge base for relevant information on a topic.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query":      prop("string", "The search query"),
			"maxResults": prop("number", "Maximum number of results to return (default: 5)"),
		}),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			query, err := requireString(args, "query")
			if err != nil {
				return nil, err
			}
			results := []map[string]any{
				{"title": "Example Document 1", "content": "Relevant information about " + query, "relevance": 0.95},
				{"title": "Example Document 2", "content": "Additional context for " + query, "relevance": 0.87},
			}
			if limit := intArg(args, "maxResults", 5); limit >= 0 && limit < len(results) {
				results = results[:limit]
			}
			return map[string]any{
				"query":        query,
				"results":      results,
				"totalResults": len(results),
				"message":      "Knowledge base search completed (simulated)",
			}, nil
		},
	}
}

// ExternalAPITool proxies a call to an arbitrary endpoint (simulated)
func ExternalAPITool() tools.Definition {
	return tools.Definition{
		Name:        "call_external_api",
		Description: "Make a call to an external API endpoint.",
		Parameters: objectSchema([]string{"url", "method"}, map[string]any{
			"url":    prop("string", "The API endpoint URL"),
			"method": prop("string", "HTTP method (GET, POST, PUT, DELETE)"),
			"body":   prop("object", "Request body (for POST/PUT)"),
		}),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			url, err := requireString(args, "url")
			if err != nil {
				return nil, err
			}
			method := strings.ToUpper(stringArg(args, "method", "GET"))
			switch method {
			case "GET", "POST", "PUT", "DELETE":
			default:
				return nil, fmt.Errorf("unsupported method: %s", method)
			}
			return map[string]any{
				"url":    url,
				"method": method,
				"status": 200,
				"data": map[string]any{
					"message":   "API call successful (simulated)",
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				},
			}, nil
		},
	}
}

// WeatherTool returns current conditions for a location (simulated)
func WeatherTool() tools.Definition {
	return tools.Definition{
		Name:        "get_weather",
		Description: "Get current weather information for a location.",
		Parameters: objectSchema([]string{"location"}, map[string]any{
			"location": prop("string", "City name or coordinates"),
			"units":    prop("string", "Temperature units: celsius or fahrenheit"),
		}),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			location, err := requireString(args, "location")
			if err != nil {
				return nil, err
			}
			units := stringArg(args, "units", "celsius")
			temperature := 22
			if units == "fahrenheit" {
				temperature = 72
			}
			return map[string]any{
				"location":    location,
				"temperature": temperature,
				"condition":   "Partly Cloudy",
				"humidity":    65,
				"windSpeed":   15,
				"units":       units,
				"message":     "Weather data retrieved (simulated)",
			}, nil
		},
	}
}
