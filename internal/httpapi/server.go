// Package httpapi exposes a thin HTTP surface around a chat
// Controller: file upload/download, health/status with DebugLocks
// introspection, and a websocket tail of the view-event stream,
// fanned out to every connected client's own send buffer.
package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatcore/internal/controller"
	"chatcore/internal/model"
)

const clientSendBuffer = 64

// Server is the Echo application fronting a Controller.
type Server struct {
	echo     *echo.Echo
	ctl      *controller.Controller
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[chan model.ChatResponse]struct{}
}

// New constructs an Echo app with REST + websocket routes bound to
// ctl. Call Broadcast in a loop reading ctl.Views() to fan view events
// out to every connected websocket client — New itself does not start
// that loop, since only one reader of ctl.Views() may ever run.
func New(ctl *controller.Controller) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:    e,
		ctl:     ctl,
		clients: make(map[chan model.ChatResponse]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			if path == "/ws" || path == "/health" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.POST("/api/files", s.handleFileUpload)
	s.echo.GET("/api/files/:id", s.handleFileDownload)
	s.echo.GET("/ws", s.handleWebSocket)
}

// Broadcast fans r out to every connected websocket client's send
// buffer. A client whose buffer is full misses that event (it is
// dropped with a warning; the client stays registered) rather than
// blocking the broadcaster — the chat lock's own view channel already
// guarantees no event is lost to the controller itself; this buffer
// only protects a slow HTTP client from stalling that guarantee for
// everyone else.
func (s *Server) Broadcast(r model.ChatResponse) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- r:
		default:
			slog.Warn("ws client send buffer full, dropping event", "tag", r.Tag)
		}
	}
}

// RunBroadcastLoop reads ctl.Views() until ctx is canceled or the
// channel closes, calling Broadcast for each event. Run this exactly
// once per Server.
func (s *Server) RunBroadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-s.ctl.Views():
			if !ok {
				return
			}
			s.Broadcast(r)
		}
	}
}

func (s *Server) addClient() chan model.ChatResponse {
	ch := make(chan model.ChatResponse, clientSendBuffer)
	s.clientsMu.Lock()
	s.clients[ch] = struct{}{}
	s.clientsMu.Unlock()
	return ch
}

func (s *Server) removeClient(ch chan model.ChatResponse) {
	s.clientsMu.Lock()
	delete(s.clients, ch)
	s.clientsMu.Unlock()
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

// RunTLS starts the Echo app behind a raw *http.Server using tlsConf
// (a self-signed cert is enough for a loopback/LAN deployment of this
// file upload/download surface), and blocks until ctx is canceled or
// startup fails.
func (s *Server) RunTLS(ctx context.Context, addr string, tlsConf *tls.Config) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServeTLS("", "")
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down https server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
		slog.Info("https server stopped")
		return nil
	}
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveUser     string `json:"activeUser,omitempty"`
	Lock           string `json:"lock"`
	TLSFingerprint string `json:"tlsFingerprint,omitempty"`
}

// handleHealth reports liveness plus the TLS fingerprint a contact
// pins out-of-band before trusting this node's file/websocket surface,
// when the server is running with -tls.
func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{Status: "ok", Lock: s.ctl.DebugLocks(), TLSFingerprint: s.ctl.TLSFingerprint()}
	if u := s.ctl.ActiveUser(); u != nil {
		resp.ActiveUser = u.Profile.DisplayName
	}
	return c.JSON(http.StatusOK, resp)
}

type stateResponse struct {
	ActiveUser *model.User `json:"activeUser,omitempty"`
	Lock       string      `json:"lock"`
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, stateResponse{
		ActiveUser: s.ctl.ActiveUser(),
		Lock:       s.ctl.DebugLocks(),
	})
}

type fileUploadResponse struct {
	Path string `json:"path"`
}

// handleFileUpload stages an uploaded file under the configured files
// directory and returns the resulting path, which a caller then hands
// to "/_file send <chatRef> <path>" over the command surface — upload
// and send are deliberately two steps, since only the command
// dispatcher knows which chat and transfer substrate to use.
func (s *Server) handleFileUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	path, err := s.ctl.Files.StageUpload(fileHeader.Filename, src)
	if err != nil {
		if errors.Is(err, model.ErrFileAlreadyExists) {
			return echo.NewHTTPError(http.StatusConflict, "file already exists")
		}
		slog.Error("file upload failed", "filename", fileHeader.Filename, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("stage upload: %v", err))
	}

	slog.Info("file staged", "filename", fileHeader.Filename, "path", path)
	return c.JSON(http.StatusCreated, fileUploadResponse{Path: path})
}

// handleFileDownload streams a completed receive by its numeric
// FileID. Sent files have no analogous download: the sender already
// has the bytes at the path it passed to /_file send.
func (s *Server) handleFileDownload(c echo.Context) error {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file id must be numeric")
	}

	t, err := s.ctl.Store.GetRcvFileTransfer(c.Request().Context(), model.FileID(id))
	if err != nil {
		slog.Debug("file download not found", "file_id", id, "err", err)
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	if t.Status != model.RcvFileComplete || t.LocalPath == "" {
		return echo.NewHTTPError(http.StatusConflict, "file transfer is not complete")
	}

	f, err := os.Open(t.LocalPath)
	if err != nil {
		slog.Error("file download open error", "file_id", id, "path", t.LocalPath, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open file: %v", err))
	}
	defer f.Close()

	name := safeFilename(t.Invitation.Name)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, name))
	return c.Stream(http.StatusOK, "application/octet-stream", f)
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}

// handleWebSocket upgrades one request and tails the broadcast stream
// for as long as the connection stays open. There is no inbound
// message protocol here — the command surface lives on the process's
// own stdin loop, not on this connection, so the socket is write-only
// from the server side.
func (s *Server) handleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	ch := s.addClient()
	defer s.removeClient(ch)

	slog.Info("ws connected", "remote", remoteAddr)
	defer slog.Info("ws disconnected", "remote", remoteAddr)

	// Drain client frames in the background purely to notice
	// disconnects (gorilla requires reads to process control frames
	// and detect a closed connection).
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return nil
		case r := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(r); err != nil {
				slog.Debug("ws write error", "remote", remoteAddr, "err", err)
				return nil
			}
		}
	}
}
