// Package docs registers the OpenAPI document served under /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/healthz": {
            "get": {"tags": ["health"], "summary": "Health check", "responses": {"200": {"description": "OK"}}}
        },
        "/readyz": {
            "get": {"tags": ["health"], "summary": "Readiness check", "responses": {"200": {"description": "OK"}, "503": {"description": "Service Unavailable"}}}
        },
        "/api/v1/status": {
            "get": {"produces": ["application/json"], "tags": ["bot"], "summary": "Bot status", "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/strategies": {
            "get": {"produces": ["application/json"], "tags": ["strategies"], "summary": "List strategy summaries", "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/strategies/{name}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["strategies"],
                "summary": "Strategy summary",
                "parameters": [{"type": "string", "description": "strategy name", "name": "name", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/api/v1/strategies/{name}/positions": {
            "get": {
                "produces": ["application/json"],
                "tags": ["strategies"],
                "summary": "Positions held by a strategy in this session",
                "parameters": [
                    {"type": "string", "description": "strategy name", "name": "name", "in": "path", "required": true},
                    {"type": "boolean", "description": "only open positions", "name": "open", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/v1/risk": {
            "get": {"produces": ["application/json"], "tags": ["risk"], "summary": "Risk metrics", "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/risk/reset-emergency-stop": {
            "post": {"produces": ["application/json"], "tags": ["risk"], "summary": "Clear a latched emergency stop", "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/simulation/stats": {
            "get": {"produces": ["application/json"], "tags": ["simulation"], "summary": "Paper trading statistics", "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}
        },
        "/api/v1/simulation/trades": {
            "get": {
                "produces": ["application/json"],
                "tags": ["simulation"],
                "summary": "List paper trades",
                "parameters": [
                    {"type": "string", "description": "PENDING, MONITORING, RESOLVED, EXPIRED", "name": "status", "in": "query"},
                    {"type": "string", "description": "strategy name", "name": "strategy", "in": "query"},
                    {"type": "integer", "description": "page size", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "offset", "name": "offset", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/v1/simulation/trades/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["simulation"],
                "summary": "One paper trade",
                "parameters": [{"type": "string", "description": "trade id", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/api/v1/simulation/breakdown": {
            "get": {"produces": ["application/json"], "tags": ["simulation"], "summary": "Per-strategy breakdown of resolved paper trades", "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/simulation/report": {
            "get": {"produces": ["text/plain"], "tags": ["simulation"], "summary": "Text report of the paper session", "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/history/positions": {
            "get": {
                "produces": ["application/json"],
                "tags": ["history"],
                "summary": "Persisted positions",
                "parameters": [
                    {"type": "string", "description": "OPEN or CLOSED", "name": "status", "in": "query"},
                    {"type": "string", "description": "strategy name", "name": "strategy", "in": "query"},
                    {"type": "string", "description": "market id", "name": "market_id", "in": "query"},
                    {"type": "string", "description": "opened_at, closed_at, realized_pnl", "name": "order_by", "in": "query"},
                    {"type": "boolean", "description": "ascending", "name": "asc", "in": "query"},
                    {"type": "integer", "description": "page size", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "offset", "name": "offset", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/v1/history/performance": {
            "get": {"produces": ["application/json"], "tags": ["history"], "summary": "Persisted strategy performance", "responses": {"200": {"description": "OK"}}}
        },
        "/api/v1/history/simulated-trades": {
            "get": {
                "produces": ["application/json"],
                "tags": ["history"],
                "summary": "Persisted paper trades across sessions",
                "parameters": [
                    {"type": "string", "description": "session id", "name": "session_id", "in": "query"},
                    {"type": "string", "description": "trade status", "name": "status", "in": "query"},
                    {"type": "string", "description": "strategy name", "name": "strategy", "in": "query"},
                    {"type": "integer", "description": "page size", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "offset", "name": "offset", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "0.1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "Polybot API",
	Description:      "Strategy status, risk controls and paper trading results.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
