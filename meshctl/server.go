// Package meshctl exposes a debug and control HTTP surface over a
// meshAlloc.GlobalHeap: the mallctl channel, stats snapshots, a live SSE
// stats stream, and an event log of meshing passes.
package meshctl

import (
	"encoding/binary"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"golang.org/x/net/trace"

	"meshCore/meshAlloc"
)

const defaultStreamInterval = time.Second

// Server wires a GlobalHeap to a gin engine. It is an ops surface, not a
// product API: everything on it is read-mostly and unauthenticated.
type Server struct {
	heap   *meshAlloc.GlobalHeap
	engine *gin.Engine
	events trace.EventLog
	enc    statsEncoder

	streamInterval time.Duration
}

// Option adjusts a Server before its routes are registered.
type Option func(*Server)

// WithStreamInterval sets the SSE stats cadence.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) { s.streamInterval = d }
}

// NewServer builds the control surface for heap.
func NewServer(heap *meshAlloc.GlobalHeap, options ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		heap:           heap,
		engine:         gin.New(),
		events:         trace.NewEventLog("meshctl", "globalheap"),
		streamInterval: defaultStreamInterval,
	}
	for _, opt := range options {
		opt(s)
	}

	heap.SetMeshPassHook(func(pairs int) {
		s.events.Printf("mesh pass: %d candidate pairs", pairs)
	})

	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Engine exposes the underlying gin engine, mainly for tests and for
// mounting under an existing server.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	glog.Infof("meshctl listening on %s", addr)
	return s.engine.Run(addr)
}

func (s *Server) routes() {
	s.engine.GET("/mallctl/:name", s.readCtl)
	s.engine.PUT("/mallctl/:name", s.writeCtl)
	s.engine.POST("/mesh/compact", s.compact)
	s.engine.GET("/stats", s.stats)
	s.engine.GET("/occupancy", s.occupancy)
	s.engine.GET("/events", s.stream)
	s.engine.GET("/debug/events", func(c *gin.Context) {
		trace.RenderEvents(c.Writer, c.Request, true)
	})
}

type ctlValue struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

func (s *Server) readCtl(c *gin.Context) {
	name := c.Param("name")

	// Mallctl treats check_period as a write and rejects it without an
	// input value, so a plain GET reads the period directly
	if name == "mesh.check_period" {
		c.JSON(http.StatusOK, ctlValue{Name: name, Value: s.heap.MeshPeriod()})
		return
	}

	oldp := make([]byte, 8)
	if err := s.heap.Mallctl(name, oldp, nil); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ctlValue{Name: name, Value: binary.LittleEndian.Uint64(oldp)})
}

func (s *Server) writeCtl(c *gin.Context) {
	name := c.Param("name")

	value, err := strconv.ParseUint(c.Query("value"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or bad value"})
		return
	}

	oldp := make([]byte, 8)
	newp := make([]byte, 8)
	binary.LittleEndian.PutUint64(newp, value)
	if err := s.heap.Mallctl(name, oldp, newp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.events.Printf("mallctl write %s = %d", name, value)
	c.JSON(http.StatusOK, ctlValue{Name: name, Value: binary.LittleEndian.Uint64(oldp)})
}

func (s *Server) compact(c *gin.Context) {
	oldp := make([]byte, 8)
	if err := s.heap.Mallctl("mesh.compact", oldp, nil); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) stats(c *gin.Context) {
	withClasses := c.Query("classes") != ""
	data, err := s.enc.encode(s.heap.StatsSnapshot(withClasses))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) occupancy(c *gin.Context) {
	c.String(http.StatusOK, s.heap.OccupancyReport())
}

// stream pushes a stats snapshot every interval as server-sent events
// until the client goes away.
func (s *Server) stream(c *gin.Context) {
	c.Header("Content-Type", sse.ContentType)

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
		}
		data, err := s.enc.encode(s.heap.StatsSnapshot(false))
		if err != nil {
			glog.Errorf("meshctl: encoding stats event: %v", err)
			return false
		}
		if err := sse.Encode(w, sse.Event{Event: "stats", Data: string(data)}); err != nil {
			return false
		}
		return true
	})
}
