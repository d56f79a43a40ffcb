// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, stats, and the built-in test page.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	closeReasonMissing = "Missing required parameters"
	closeReasonInvalid = "Invalid parameters"
)

// Accepted query names for each connection attribute, in priority order.
var (
	sessionParams     = []string{"documentId", "sessionId"}
	participantParams = []string{"userId", "participantId"}
	nameParams        = []string{"userName", "name"}
)

// WebSocketHandler upgrades the request and registers a client for the
// session named in the query. A request missing any attribute is upgraded and
// then closed with a policy-violation code.
func (r *Relay) WebSocketHandler(c echo.Context) error {
	req, parseErr := r.parseConnectRequest(c.Request())

	conn, err := r.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		r.Metrics.observeRejected("upgrade")
		r.logger.Warn("WebSocket upgrade failed", "addr", c.Request().RemoteAddr, "err", err)
		return nil
	}

	if parseErr != nil {
		reason := closeReasonMissing
		label := "missing_attribute"
		if errors.Is(parseErr, ErrInvalidAttribute) {
			reason = closeReasonInvalid
			label = "invalid_attribute"
		}
		r.Metrics.observeRejected(label)
		r.logger.Warn("Refusing connection", "addr", c.Request().RemoteAddr, "err", parseErr)
		r.rejectConnection(conn, websocket.ClosePolicyViolation, reason)
		return nil
	}

	client := NewClient(conn, r.Registry, r.Router, r.cfg, r.logger, req, c.Request().RemoteAddr)
	if err := r.Registry.Register(client); err != nil {
		r.Metrics.observeRejected("shutdown")
		r.rejectConnection(conn, websocket.CloseGoingAway, closeReasonShutdown)
		return nil
	}
	return nil
}

// newConnectValidator returns a validator that also understands maxbytes,
// a length limit in bytes rather than runes.
func newConnectValidator() *validator.Validate {
	validate := validator.New()
	if err := validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		limit, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		return len(fl.Field().String()) <= limit
	}); err != nil {
		panic(err)
	}
	return validate
}

// parseConnectRequest extracts and validates the three connection attributes.
func (r *Relay) parseConnectRequest(req *http.Request) (ConnectRequest, error) {
	query := req.URL.Query()
	connect := ConnectRequest{
		SessionID:     strings.TrimSpace(firstParam(query, sessionParams)),
		ParticipantID: strings.TrimSpace(firstParam(query, participantParams)),
		Name:          strings.TrimSpace(unescapeName(firstParam(query, nameParams))),
	}

	if err := r.validate.Struct(connect); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fieldErr := range fieldErrs {
				if fieldErr.Tag() == "required" {
					return ConnectRequest{}, fmt.Errorf("%w: %s", ErrMissingAttribute, fieldErr.Field())
				}
			}
			return ConnectRequest{}, fmt.Errorf("%w: %s", ErrInvalidAttribute, fieldErrs[0].Field())
		}
		return ConnectRequest{}, fmt.Errorf("%w: %v", ErrInvalidAttribute, err)
	}
	return connect, nil
}

func firstParam(query url.Values, names []string) string {
	for _, name := range names {
		if value := query.Get(name); strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// unescapeName decodes a display name that the client escaped before placing
// it in the URL. Values that are not valid escapes are kept as they are.
func unescapeName(name string) string {
	decoded, err := url.PathUnescape(name)
	if err != nil {
		return name
	}
	return decoded
}

func (r *Relay) rejectConnection(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(r.cfg.WriteWait)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil && !isExpectedCloseError(err) {
		r.logger.Debug("Error writing close frame", "err", err)
	}
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		r.logger.Debug("Error closing rejected connection", "err", err)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(c echo.Context) error {
	return c.String(http.StatusOK, "tablesync relay is running")
}

// StatsHandler reports sessions, participants, and open connections.
func (r *Relay) StatsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, r.Stats())
}

// TestPageHandler serves an HTML page that joins a session, mirrors a
// textarea through content-update messages, relays the mouse position over it
// as pointer-update, and lists the roster.
func TestPageHandler(c echo.Context) error {
	return c.HTML(http.StatusOK, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>tablesync relay test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        textarea { width: 480px; height: 200px; display: block; margin: 10px 0; }
        input[type="text"] { width: 160px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        #roster span { display: inline-block; margin-right: 8px; padding: 2px 6px; border-radius: 3px; color: white; }
        #pointers { font-size: 12px; color: #555; }
    </style>
</head>
<body>
    <h1>tablesync relay test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="session" placeholder="Session id" value="ABC123">
        <input type="text" id="name" placeholder="Display name">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div id="roster"></div>
    <textarea id="content" disabled></textarea>
    <div id="pointers"></div>

    <script>
        let ws = null;
        const participantId = Math.random().toString(36).substr(2, 9);
        const content = document.getElementById('content');
        const statusDiv = document.getElementById('status');
        const roster = document.getElementById('roster');
        const connectButton = document.getElementById('connectButton');
        const pointersDiv = document.getElementById('pointers');
        let pointers = {};
        let lastPointerSent = 0;

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            content.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function renderRoster(users) {
            roster.innerHTML = '';
            users.forEach(function (u) {
                const el = document.createElement('span');
                el.style.backgroundColor = u.color;
                el.textContent = u.name;
                roster.appendChild(el);
            });
            const present = {};
            users.forEach(function (u) { present[u.id] = true; });
            Object.keys(pointers).forEach(function (id) {
                if (!present[id]) { delete pointers[id]; }
            });
            renderPointers();
        }

        function renderPointers() {
            pointersDiv.textContent = Object.values(pointers).map(function (p) {
                return p.name + ' at ' + p.x + ',' + p.y;
            }).join(' | ');
        }

        function connect() {
            const session = document.getElementById('session').value.trim();
            const name = document.getElementById('name').value.trim() || participantId;
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?documentId=' + encodeURIComponent(session) +
                '&userId=' + participantId + '&userName=' + encodeURIComponent(encodeURIComponent(name)));

            ws.onopen = function () { updateStatus(true); };
            ws.onmessage = function (event) {
                const message = JSON.parse(event.data);
                if (message.type === 'content-update') {
                    content.value = message.data.content;
                } else if (message.type === 'users-update') {
                    renderRoster(message.data);
                } else if (message.type === 'pointer-update' && message.data && message.data.userId) {
                    pointers[message.data.userId] = message.data;
                    renderPointers();
                }
            };
            ws.onclose = function () {
                updateStatus(false);
                ws = null;
                pointers = {};
                renderPointers();
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        content.addEventListener('input', function () {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'content-update', data: { content: content.value } }));
            }
        });

        content.addEventListener('mousemove', function (event) {
            const now = Date.now();
            if (!ws || ws.readyState !== WebSocket.OPEN || now - lastPointerSent < 50) {
                return;
            }
            lastPointerSent = now;
            const name = document.getElementById('name').value.trim() || participantId;
            ws.send(JSON.stringify({
                type: 'pointer-update',
                data: { userId: participantId, name: name, x: event.offsetX, y: event.offsetY }
            }));
        });
    </script>
</body>
</html>`
