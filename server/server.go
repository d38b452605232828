// Package server exposes an engine.Engine over HTTP as a thin JSON surface:
// GET/PUT/DELETE on /keys/{key} and a POST /flush admin endpoint. It is a
// peripheral collaborator, not part of the store's core: nothing under
// engine, wal, memtable, or sst imports this package.
//
// The app construction (middleware order, a single JSON error handler,
// structured request logging) is grounded on oarkflow-velocity's
// web.NewHTTPServer, scaled down from its full auth/object-storage surface
// to the four operations this store actually exposes.
package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/barrelkv/barrelkv/engine"
	"github.com/barrelkv/barrelkv/kverrors"
)

// Server wraps an *engine.Engine with a fiber.App that speaks JSON.
type Server struct {
	eng *engine.Engine
	app *fiber.App
	log *slog.Logger
}

// New builds a Server around eng. The caller is responsible for eventually
// calling eng.Close; New does not take ownership of it.
func New(eng *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c fiber.Ctx, err error) error {
			return writeError(c, err)
		},
	})

	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{eng: eng, app: app, log: log}
	s.routes()
	return s
}

// Listen blocks serving HTTP on addr (e.g. ":8080").
func (s *Server) Listen(addr string) error {
	s.log.Info("http server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP listener without touching the engine.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) routes() {
	s.app.Get("/keys/:key", s.handleGet)
	s.app.Put("/keys/:key", s.handlePut)
	s.app.Delete("/keys/:key", s.handleDelete)
	s.app.Post("/flush", s.handleFlush)
}

type putRequest struct {
	Value string `json:"value"`
}

type getResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleGet(c fiber.Ctx) error {
	key := c.Params("key")

	v, ok, err := s.eng.Get(key)
	if err != nil {
		return writeError(c, err)
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "key not found"})
	}
	return c.JSON(getResponse{Key: key, Value: string(v)})
}

func (s *Server) handlePut(c fiber.Ctx) error {
	key := c.Params("key")

	var req putRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}

	if err := s.eng.Put(key, []byte(req.Value)); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDelete(c fiber.Ctx) error {
	key := c.Params("key")

	if err := s.eng.Delete(key); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleFlush(c fiber.Ctx) error {
	start := time.Now()
	if err := s.eng.FlushMemtable(); err != nil {
		return writeError(c, err)
	}
	s.log.Info("flush requested via http", "took", time.Since(start))
	return c.SendStatus(fiber.StatusNoContent)
}

// writeError maps a kverrors.Error to an HTTP status; anything else is a 500.
func writeError(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	var kerr *kverrors.Error
	if errors.As(err, &kerr) {
		switch kerr.Kind {
		case kverrors.KindInvalidInput:
			status = fiber.StatusBadRequest
		case kverrors.KindCorruption:
			status = fiber.StatusUnprocessableEntity
		case kverrors.KindChannelClosed:
			status = fiber.StatusServiceUnavailable
		case kverrors.KindIO:
			status = fiber.StatusInternalServerError
		}
	}

	return c.Status(status).JSON(errorResponse{Error: err.Error()})
}
