package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/beaconctl/internal/events"
	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/layout"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/proxy"
	"github.com/danmuck/beaconctl/internal/record"
	"github.com/danmuck/beaconctl/internal/upgrade"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type implementationView struct {
	ID          identity.Address `json:"id"`
	Name        string           `json:"name"`
	Version     uint64           `json:"version"`
	Fingerprint string           `json:"fingerprint"`
	Operations  []string         `json:"operations"`
}

type slotView struct {
	Slot int         `json:"slot"`
	Name string      `json:"name"`
	Kind layout.Kind `json:"kind"`
}

type layoutUseView struct {
	ID      identity.Address `json:"id"`
	Name    string           `json:"name"`
	Version uint64           `json:"version"`
	Slots   int              `json:"slots"`
}

type beaconView struct {
	Address        identity.Address   `json:"address"`
	Implementation identity.Address   `json:"implementation"`
	Owner          identity.Address   `json:"owner"`
	Proxies        []identity.Address `json:"proxies"`
}

type proxyView struct {
	Address        identity.Address `json:"address"`
	Beacon         identity.Address `json:"beacon"`
	Implementation identity.Address `json:"implementation"`
	State          proxy.State      `json:"state"`
	Value          uint64           `json:"value"`
	Owner          identity.Address `json:"owner"`
	Version        uint64           `json:"version"`
	HistoryCount   uint64           `json:"history_count"`
	History        []uint64         `json:"history"`
}

type invokeRequest struct {
	Operation string            `json:"operation" binding:"required"`
	Caller    string            `json:"caller"`
	Args      map[string]string `json:"args"`
}

type upgradeRequest struct {
	Caller  string   `json:"caller" binding:"required"`
	Proxies []string `json:"proxies"`
	All     bool     `json:"all"`
}

type ownerRequest struct {
	Caller string `json:"caller" binding:"required"`
	Owner  string `json:"owner" binding:"required"`
}

type outcomeView struct {
	Proxy   identity.Address `json:"proxy"`
	Status  upgrade.Status   `json:"status"`
	Message string           `json:"message,omitempty"`
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.name,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/implementations", s.listImplementations)
	r.GET("/layout", s.getLayout)
	r.GET("/beacons", s.listBeacons)
	r.GET("/beacons/:address", s.getBeacon)
	r.GET("/proxies", s.listProxies)
	r.GET("/proxies/:address", s.getProxy)
	r.GET("/events", s.listEvents)

	writes := r.Group("/", s.requireToken())
	writes.POST("/proxies/:address/invoke", s.invoke)
	writes.POST("/beacons/:address/upgrade", s.upgrade)
	writes.POST("/beacons/:address/owner", s.transferBeaconOwnership)
}

// listEvents returns buffered events, oldest first. ?kind= and ?emitter=
// filter them.
func (s *Server) listEvents(c *gin.Context) {
	kind := events.Kind(strings.TrimSpace(c.Query("kind")))
	emitter := strings.TrimSpace(c.Query("emitter"))
	out := make([]events.Event, 0)
	for _, evt := range s.recent.Events() {
		if kind != "" && evt.Kind != kind {
			continue
		}
		if emitter != "" && string(evt.Emitter) != emitter {
			continue
		}
		out = append(out, evt)
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) listImplementations(c *gin.Context) {
	registry := s.ledger.Registry()
	out := make([]implementationView, 0)
	for _, meta := range registry.ListMetadata() {
		fp, err := meta.Layout.Fingerprint()
		if err != nil {
			abortWithError(c, err)
			return
		}
		view := implementationView{ID: meta.ID, Name: meta.Name, Version: meta.Version, Fingerprint: fp}
		if impl, ok := registry.Resolve(meta.ID); ok {
			for _, op := range impl.Operations() {
				view.Operations = append(view.Operations, op.Name)
			}
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"implementations": out})
}

// getLayout describes the record struct every proxy stores and how many of
// its slots each registered implementation addresses.
func (s *Server) getLayout(c *gin.Context) {
	l, err := record.Layout()
	if err != nil {
		abortWithError(c, err)
		return
	}
	fp, err := l.Fingerprint()
	if err != nil {
		abortWithError(c, err)
		return
	}
	fields := make([]slotView, 0, len(l.Fields))
	for _, f := range l.Fields {
		fields = append(fields, slotView{Slot: f.Slot, Name: f.Name, Kind: f.Kind})
	}
	uses := make([]layoutUseView, 0)
	for _, meta := range s.ledger.Registry().ListMetadata() {
		uses = append(uses, layoutUseView{ID: meta.ID, Name: meta.Name, Version: meta.Version, Slots: len(meta.Layout.Fields)})
	}
	c.JSON(http.StatusOK, gin.H{
		"fingerprint":     fp,
		"fields":          fields,
		"implementations": uses,
	})
}

func (s *Server) beaconView(addr identity.Address) (beaconView, error) {
	b, err := s.ledger.Beacon(addr)
	if err != nil {
		return beaconView{}, err
	}
	snap := b.Snapshot()
	return beaconView{
		Address:        snap.Address,
		Implementation: snap.Implementation,
		Owner:          snap.Owner,
		Proxies:        s.ledger.ProxiesOf(snap.Address),
	}, nil
}

func (s *Server) listBeacons(c *gin.Context) {
	out := make([]beaconView, 0)
	for _, b := range s.ledger.Beacons() {
		view, err := s.beaconView(b.Address())
		if err != nil {
			abortWithError(c, err)
			return
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"beacons": out})
}

func (s *Server) getBeacon(c *gin.Context) {
	addr, err := identity.Parse(c.Param("address"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	view, err := s.beaconView(addr)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func viewOf(p *proxy.Proxy) (proxyView, error) {
	state, err := p.State()
	if err != nil {
		return proxyView{}, err
	}
	rec := p.Record()
	return proxyView{
		Address:        p.Address(),
		Beacon:         p.Beacon().Address(),
		Implementation: p.Beacon().Implementation(),
		State:          state,
		Value:          rec.Value,
		Owner:          rec.Owner,
		Version:        rec.Version,
		HistoryCount:   rec.HistoryCount,
		History:        rec.ValidHistory(),
	}, nil
}

func (s *Server) listProxies(c *gin.Context) {
	filter := strings.TrimSpace(c.Query("beacon"))
	out := make([]proxyView, 0)
	for _, p := range s.ledger.Proxies() {
		if filter != "" && string(p.Beacon().Address()) != filter {
			continue
		}
		view, err := viewOf(p)
		if err != nil {
			abortWithError(c, err)
			return
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"proxies": out})
}

func (s *Server) getProxy(c *gin.Context) {
	addr, err := identity.Parse(c.Param("address"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	p, err := s.ledger.Proxy(addr)
	if err != nil {
		abortWithError(c, err)
		return
	}
	view, err := viewOf(p)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) invoke(c *gin.Context) {
	addr, err := identity.Parse(c.Param("address"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", proxy.ErrInvalidCall, err))
		return
	}
	caller, err := identity.Parse(req.Caller)
	if err != nil {
		abortWithError(c, err)
		return
	}
	p, err := s.ledger.Proxy(addr)
	if err != nil {
		abortWithError(c, err)
		return
	}
	view := s.isView(p, req.Operation)

	res, err := s.ledger.Invoke(c.Request.Context(), addr, proxy.Call{
		Operation: req.Operation,
		Args:      logic.Args(req.Args),
		Caller:    caller,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !view {
		s.committed(c)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": res})
}

func (s *Server) isView(p *proxy.Proxy, op string) bool {
	impl, ok := s.ledger.Registry().Resolve(p.Beacon().Implementation())
	if !ok {
		return false
	}
	return logic.IsView(impl, strings.TrimSpace(op))
}

func (s *Server) upgrade(c *gin.Context) {
	addr, err := identity.Parse(c.Param("address"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	var req upgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", upgrade.ErrInvalidRequest, err))
		return
	}
	caller, err := identity.Parse(req.Caller)
	if err != nil {
		abortWithError(c, err)
		return
	}
	targets := make([]identity.Address, 0, len(req.Proxies))
	for _, raw := range req.Proxies {
		a, err := identity.Parse(raw)
		if err != nil {
			abortWithError(c, err)
			return
		}
		targets = append(targets, a)
	}

	report, err := s.orchestrator.Run(c.Request.Context(), upgrade.Request{
		Beacon:  addr,
		Caller:  caller,
		Proxies: targets,
		All:     req.All,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	s.committed(c)
	if s.onUpgrade != nil {
		if err := s.onUpgrade(c.Request.Context(), report); err != nil {
			_ = c.Error(err)
		}
	}

	outcomes := make([]outcomeView, 0, len(report.Order))
	for _, a := range report.Order {
		o := report.Outcomes[a]
		outcomes = append(outcomes, outcomeView{Proxy: a, Status: o.Status, Message: o.Message})
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":         report.RunID,
		"previous":       report.Previous,
		"implementation": report.Implementation,
		"complete":       report.Complete(),
		"outcomes":       outcomes,
	})
}

func (s *Server) transferBeaconOwnership(c *gin.Context) {
	addr, err := identity.Parse(c.Param("address"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	var req ownerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", upgrade.ErrInvalidRequest, err))
		return
	}
	caller, err := identity.Parse(req.Caller)
	if err != nil {
		abortWithError(c, err)
		return
	}
	next, err := identity.Parse(req.Owner)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.ledger.TransferBeaconOwnership(c.Request.Context(), addr, caller, next); err != nil {
		abortWithError(c, err)
		return
	}
	s.committed(c)
	view, err := s.beaconView(addr)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
