// Package fakeapi serves a backend.Client over the REST surface that
// backend.HTTPClient speaks. It fronts the in-memory backend for local
// development and end-to-end tests of the HTTP client.
package fakeapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cleared-dev/budgetgrid/internal/backend"
	"github.com/cleared-dev/budgetgrid/internal/model"
)

// Options configures the router.
type Options struct {
	// Token, when set, must be presented as a bearer token on every request.
	Token        string
	AllowOrigins []string
	Logger       *slog.Logger
}

// nesting lists which child kinds live under which parent kinds.
var nesting = map[model.Kind][]model.Kind{
	model.KindBudget:     {model.KindAccount, model.KindActual, model.KindFringe},
	model.KindAccount:    {model.KindSubAccount},
	model.KindSubAccount: {model.KindSubAccount},
}

type handler struct {
	client backend.Client
	log    *slog.Logger
}

// NewRouter builds the gin engine serving client.
func NewRouter(client backend.Client, opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h := &handler{client: client, log: log}

	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(opts.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.AllowOrigins
		corsConfig.AllowCredentials = true
	}
	r.Use(cors.New(corsConfig))
	r.Use(h.logRequests)
	if opts.Token != "" {
		r.Use(requireToken(opts.Token))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	for _, kind := range []model.Kind{model.KindBudget, model.KindAccount, model.KindSubAccount, model.KindActual, model.KindFringe} {
		detail := fmt.Sprintf("/%ss/:id/", kind)
		r.GET(detail, h.retrieve(kind))
		if kind != model.KindBudget {
			r.PATCH(detail, h.update(kind))
			r.DELETE(detail, h.delete(kind))
		}
	}
	for parent, children := range nesting {
		base := fmt.Sprintf("/%ss/:id/", parent)
		for _, kind := range children {
			r.GET(base+string(kind)+"s/", h.list(parent, kind))
			r.POST(base+string(kind)+"s/", h.create(parent, kind))
			r.PATCH(base+"bulk-create-"+string(kind)+"s/", h.bulkCreate(parent, kind))
			r.PATCH(base+"bulk-update-"+string(kind)+"s/", h.bulkUpdate(parent, kind))
		}
		r.GET(base+"groups/", h.listGroups(parent))
		r.POST(base+"groups/", h.createGroup(parent))
	}
	r.PATCH("/groups/:id/", h.updateGroup)
	r.DELETE("/groups/:id/", h.deleteGroup)

	return r
}

func (h *handler) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.log.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || c.FullPath() == "/health" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || got != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
			return
		}
		c.Next()
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	var be *backend.Error
	if errors.As(err, &be) {
		c.JSON(be.Status, backend.EncodeError(be))
		return
	}
	h.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
}

func pathID(c *gin.Context) (model.ID, error) {
	n, err := strconv.Atoi(c.Param("id"))
	if err != nil || n <= 0 {
		return 0, &backend.Error{Status: http.StatusNotFound, Message: fmt.Sprintf("invalid id %q", c.Param("id"))}
	}
	return model.ID(n), nil
}

func (h *handler) retrieve(kind model.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		e, err := h.client.Retrieve(c.Request.Context(), model.ParentRef{Kind: kind, ID: id})
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, backend.EncodeEntity(e))
	}
}

func (h *handler) update(kind model.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		p, err := readPayload(c, kind)
		if err != nil {
			h.fail(c, err)
			return
		}
		e, err := h.client.Update(c.Request.Context(), kind, id, p)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, backend.EncodeEntity(e))
	}
}

func (h *handler) delete(kind model.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		if err := h.client.Delete(c.Request.Context(), kind, id); err != nil {
			h.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *handler) list(parent, kind model.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		resp, err := h.client.List(c.Request.Context(), kind, model.ParentRef{Kind: parent, ID: id}, backend.ListOptions{Search: c.Query("search")})
		if err != nil {
			h.fail(c, err)
			return
		}
		data := make([]map[string]any, len(resp.Data))
		for i, e := range resp.Data {
			data[i] = backend.EncodeEntity(e)
		}
		c.JSON(http.StatusOK, gin.H{"count": resp.Count, "data": data})
	}
}

func (h *handler) create(parent, kind model.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		p, err := readPayload(c, kind)
		if err != nil {
			h.fail(c, err)
			return
		}
		e, err := h.client.Create(c.Request.Context(), kind, model.ParentRef{Kind: parent, ID: id}, p)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, backend.EncodeEntity(e))
	}
}

type bulkBody struct {
	Data []json.RawMessage `json:"data"`
}

func (h *handler) bulkCreate(parent, kind model.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		var body bulkBody
		if err := c.ShouldBindJSON(&body); err != nil {
			h.fail(c, badRequest(err))
			return
		}
		payloads := make([]backend.Payload, len(body.Data))
		for i, raw := range body.Data {
			if payloads[i], err = backend.DecodePayload(kind, raw); err != nil {
				h.fail(c, badRequest(err))
				return
			}
		}
		created, err := h.client.BulkCreate(c.Request.Context(), kind, model.ParentRef{Kind: parent, ID: id}, payloads)
		if err != nil {
			h.fail(c, err)
			return
		}
		data := make([]map[string]any, len(created))
		for i, e := range created {
			data[i] = backend.EncodeEntity(e)
		}
		c.JSON(http.StatusCreated, gin.H{"data": data})
	}
}

func (h *handler) bulkUpdate(parent, kind model.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		var body bulkBody
		if err := c.ShouldBindJSON(&body); err != nil {
			h.fail(c, badRequest(err))
			return
		}
		items := make([]backend.BulkItem, len(body.Data))
		for i, raw := range body.Data {
			var ref struct {
				ID model.ID `json:"id"`
			}
			if err := json.Unmarshal(raw, &ref); err != nil || ref.ID == 0 {
				h.fail(c, backend.NewValidationError(0, "id", "This field is required."))
				return
			}
			p, err := backend.DecodePayload(kind, raw)
			if err != nil {
				h.fail(c, badRequest(err))
				return
			}
			items[i] = backend.BulkItem{ID: ref.ID, Payload: p}
		}
		if err := h.client.BulkUpdate(c.Request.Context(), kind, model.ParentRef{Kind: parent, ID: id}, items); err != nil {
			h.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *handler) listGroups(parent model.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		groups, err := h.client.ListGroups(c.Request.Context(), model.ParentRef{Kind: parent, ID: id})
		if err != nil {
			h.fail(c, err)
			return
		}
		data := make([]any, len(groups))
		for i, g := range groups {
			data[i] = backend.EncodeGroup(g)
		}
		c.JSON(http.StatusOK, gin.H{"count": len(data), "data": data})
	}
}

func (h *handler) createGroup(parent model.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		p, err := readGroupPayload(c)
		if err != nil {
			h.fail(c, err)
			return
		}
		g, err := h.client.CreateGroup(c.Request.Context(), model.ParentRef{Kind: parent, ID: id}, p)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, backend.EncodeGroup(g))
	}
}

func (h *handler) updateGroup(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	p, err := readGroupPayload(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	g, err := h.client.UpdateGroup(c.Request.Context(), id, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, backend.EncodeGroup(g))
}

func (h *handler) deleteGroup(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.client.DeleteGroup(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func readPayload(c *gin.Context, kind model.Kind) (backend.Payload, error) {
	data, err := c.GetRawData()
	if err != nil {
		return backend.Payload{}, badRequest(err)
	}
	p, err := backend.DecodePayload(kind, data)
	if err != nil {
		return backend.Payload{}, badRequest(err)
	}
	return p, nil
}

func readGroupPayload(c *gin.Context) (backend.GroupPayload, error) {
	data, err := c.GetRawData()
	if err != nil {
		return backend.GroupPayload{}, badRequest(err)
	}
	p, err := backend.DecodeGroupPayload(data)
	if err != nil {
		return backend.GroupPayload{}, badRequest(err)
	}
	return p, nil
}

func badRequest(err error) *backend.Error {
	return &backend.Error{Status: http.StatusBadRequest, Message: err.Error()}
}
