package http

import (
	"net/http"

	"github.com/swaggo/swag"
)

// SwaggerInfo describes the public API document.
var SwaggerInfo = &swag.Spec{
	Version:          "dev",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "usagegate API",
	Description:      "Usage quotas, rate limits and payment webhook intake.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  openAPITemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// OpenAPI serves the API document stamped with the build version.
func OpenAPI(w http.ResponseWriter, r *http.Request) {
	spec := *SwaggerInfo
	spec.Version = BuildVersion
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write([]byte(spec.ReadDoc()))
}

const openAPITemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "basePath": "{{.BasePath}}",
    "schemes": {{ marshal .Schemes }},
    "securityDefinitions": {
        "AdminToken": {"type": "apiKey", "in": "header", "name": "X-Admin-Token"}
    },
    "paths": {
        "/v1/quota/check": {
            "post": {
                "summary": "Check and reserve usage",
                "parameters": [
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/QuotaRequest"}}
                ],
                "responses": {
                    "200": {"description": "Reserved", "schema": {"$ref": "#/definitions/QuotaResponse"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/Error"}},
                    "429": {"description": "Quota or rate limit exceeded", "schema": {"$ref": "#/definitions/QuotaResponse"}},
                    "503": {"description": "Ledger unavailable", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/v1/quota/rollback": {
            "post": {
                "summary": "Release a reservation after a failed action",
                "parameters": [
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/QuotaRequest"}}
                ],
                "responses": {
                    "204": {"description": "Released"},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/v1/usage/{userID}": {
            "get": {
                "summary": "Current period usage per resource",
                "parameters": [
                    {"name": "userID", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Usage", "schema": {"$ref": "#/definitions/UsageResponse"}}
                }
            }
        },
        "/v1/ratelimit/check": {
            "post": {
                "summary": "Record an attempt and evaluate the sliding window",
                "parameters": [
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RateLimitRequest"}}
                ],
                "responses": {
                    "200": {"description": "Allowed", "schema": {"$ref": "#/definitions/RateLimitResponse"}},
                    "429": {"description": "Limited or suspended", "schema": {"$ref": "#/definitions/RateLimitResponse"}}
                }
            }
        },
        "/webhooks/stripe": {
            "post": {
                "summary": "Receive a signed payment provider event",
                "parameters": [
                    {"name": "Stripe-Signature", "in": "header", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Acknowledged", "schema": {"$ref": "#/definitions/WebhookResponse"}},
                    "400": {"description": "Malformed payload", "schema": {"$ref": "#/definitions/Error"}},
                    "401": {"description": "Invalid signature", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/health/webhooks": {
            "get": {
                "summary": "Webhook processing health over the last 24 hours",
                "responses": {"200": {"description": "Health report"}}
            }
        },
        "/admin/webhooks/dead-letter": {
            "get": {
                "summary": "List dead-lettered events",
                "security": [{"AdminToken": []}],
                "responses": {"200": {"description": "Events"}, "401": {"description": "Unauthorized"}}
            }
        },
        "/admin/webhooks/{eventID}/replay": {
            "post": {
                "summary": "Replay a stored event",
                "security": [{"AdminToken": []}],
                "parameters": [{"name": "eventID", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "Replayed"}, "404": {"description": "Unknown event"}}
            }
        },
        "/admin/suspensions": {
            "get": {
                "summary": "List suspensions in effect",
                "security": [{"AdminToken": []}],
                "responses": {"200": {"description": "Suspensions"}}
            }
        },
        "/admin/suspensions/{identifier}": {
            "delete": {
                "summary": "Lift a suspension",
                "security": [{"AdminToken": []}],
                "parameters": [{"name": "identifier", "in": "path", "required": true, "type": "string"}],
                "responses": {"204": {"description": "Lifted"}, "404": {"description": "No suspension"}}
            }
        }
    },
    "definitions": {
        "QuotaRequest": {
            "type": "object",
            "properties": {
                "user_id": {"type": "string"},
                "action_type": {"type": "string", "enum": ["conversion", "api_call", "storage", "upload"]},
                "amount": {"type": "integer"},
                "period_start": {"type": "string", "format": "date-time"}
            }
        },
        "QuotaResponse": {
            "type": "object",
            "properties": {
                "allowed": {"type": "boolean"},
                "current_usage": {"type": "integer"},
                "limit": {"type": "integer"},
                "percentage": {"type": "number"},
                "remaining": {"type": "integer"},
                "warning": {"type": "string"},
                "reason": {"type": "string"},
                "message": {"type": "string"},
                "period_start": {"type": "string", "format": "date-time"}
            }
        },
        "UsageResponse": {
            "type": "object",
            "properties": {
                "user_id": {"type": "string"},
                "usage": {"type": "array", "items": {"type": "object"}}
            }
        },
        "RateLimitRequest": {
            "type": "object",
            "properties": {
                "user_id": {"type": "string"},
                "ip": {"type": "string"},
                "class": {"type": "string", "enum": ["conversion", "general"]}
            }
        },
        "RateLimitResponse": {
            "type": "object",
            "properties": {
                "allowed": {"type": "boolean"},
                "remaining": {"type": "integer"},
                "reset_time": {"type": "integer"},
                "backoff_seconds": {"type": "integer"},
                "reason": {"type": "string"}
            }
        },
        "WebhookResponse": {
            "type": "object",
            "properties": {
                "received": {"type": "boolean"},
                "event_id": {"type": "string"},
                "status": {"type": "string"},
                "attempts": {"type": "integer"}
            }
        },
        "Error": {
            "type": "object",
            "properties": {
                "error": {"type": "object"}
            }
        }
    }
}`
