package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mlforge/trainerd/internal/broadcast"
	"github.com/mlforge/trainerd/internal/jobs"
	"github.com/mlforge/trainerd/internal/process"
)

const (
	// writeWait is the deadline for a single WebSocket write.
	writeWait = 10 * time.Second
)

type server struct {
	manager     *jobs.Manager
	broadcaster *broadcast.Broadcaster
	logger      *slog.Logger
	commands    map[jobs.Kind][]string

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func newServer(
	manager *jobs.Manager,
	broadcaster *broadcast.Broadcaster,
	logger *slog.Logger,
	commands map[jobs.Kind][]string,
	allowedOrigins []string,
) *server {
	s := &server{
		manager:     manager,
		broadcaster: broadcaster,
		logger:      logger,
		commands:    commands,
		upgrader: websocket.Upgrader{
			// The REST surface enforces CORS; the daemon is expected to sit
			// on localhost behind the GUI, so cross-origin socket upgrades
			// are not rejected here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	engine.Use(cors.New(corsConfig))

	api := engine.Group("/api")
	api.POST("/jobs", s.handleCreateJob)
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/:id", s.handleGetJob)
	api.POST("/jobs/:id/stop", s.handleStopJob)
	api.GET("/jobs/:id/logs", s.handleJobLogs)
	api.GET("/logs", s.handleLogFeed)

	s.engine = engine

	return s
}

func (s *server) start(listener net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}

	return s.httpServer.Serve(listener)
}

func (s *server) shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

type createJobRequest struct {
	Kind string   `json:"kind" binding:"required"`
	Args []string `json:"args"`
}

// handleCreateJob launches the configured command for the requested kind
// and registers the process as a job.
func (s *server) handleCreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, err := jobs.ParseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	argv, exists := s.commands[kind]
	if !exists {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "no command configured for kind " + string(kind),
		})
		return
	}

	args := make([]string, 0, len(argv)-1+len(req.Args))
	args = append(args, argv[1:]...)
	args = append(args, req.Args...)

	handle, err := process.Start(argv[0], args...)
	if err != nil {
		s.logger.Error("launch process", "kind", kind, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to launch process"})
		return
	}

	id, err := s.manager.CreateJob(kind, handle)
	if err != nil {
		s.logger.Error("create job", "kind", kind, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	s.logger.Info("job created", "id", id, "kind", kind)

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *server) handleListJobs(c *gin.Context) {
	var kind jobs.Kind

	if v := c.Query("kind"); v != "" {
		parsed, err := jobs.ParseKind(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		kind = parsed
	}

	runningOnly := c.Query("running") == "true"

	c.JSON(http.StatusOK, gin.H{"jobs": s.manager.List(kind, runningOnly)})
}

func (s *server) handleGetJob(c *gin.Context) {
	snapshot, err := s.manager.GetStatus(c.Param("id"))
	if err != nil {
		s.mapError(c, "get job", err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (s *server) handleStopJob(c *gin.Context) {
	id := c.Param("id")

	if _, err := s.manager.GetStatus(id); err != nil {
		s.mapError(c, "stop job", err)
		return
	}

	stopped := s.manager.StopJob(id)

	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

// handleJobLogs upgrades to a WebSocket and forwards the job's
// replay-then-tail log stream. Heartbeats become ping control frames. The
// socket is closed normally once the job reaches a terminal state and the
// stream ends.
func (s *server) handleJobLogs(c *gin.Context) {
	id := c.Param("id")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Resolve the stream before upgrading so an unknown id still gets a
	// plain 404 rather than a broken socket.
	events, err := s.manager.StreamLogs(ctx, id)
	if err != nil {
		s.mapError(c, "stream job logs", err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade log stream", "id", id, "err", err)
		return
	}
	defer conn.Close()

	// Drain the client side purely to observe disconnects; cancelling the
	// context releases the stream goroutine.
	go func() {
		defer cancel()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for event := range events {
		deadline := time.Now().Add(writeWait)

		if event.Heartbeat {
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}

			continue
		}

		conn.SetWriteDeadline(deadline)

		if err := conn.WriteMessage(websocket.TextMessage, []byte(event.Line)); err != nil {
			return
		}
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(writeWait),
	)
}

// wsConsumer adapts a WebSocket connection to the broadcast.Consumer
// interface. Entries are written as JSON text frames.
type wsConsumer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConsumer) Send(entry broadcast.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return w.conn.WriteJSON(entry)
}

// handleLogFeed upgrades to a WebSocket and registers it with the
// operational log broadcaster. There is no replay; the consumer sees
// entries enqueued after it joined.
func (s *server) handleLogFeed(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade log feed", "err", err)
		return
	}

	consumer := &wsConsumer{conn: conn}

	s.broadcaster.AddConsumer(consumer)

	defer func() {
		s.broadcaster.RemoveConsumer(consumer)
		conn.Close()
	}()

	// Block until the client goes away. A failed Send from the broadcaster
	// pump also removes the consumer; this read loop is what notices the
	// disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// mapError translates job manager errors to HTTP responses.
func (s *server) mapError(c *gin.Context, logMsg string, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		s.logger.Warn(logMsg, "err", err)
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	default:
		s.logger.Error(logMsg, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
