package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/airbusgeo/geocube-mosaic/common"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
	"github.com/airbusgeo/geocube-mosaic/service/log"
	"github.com/airbusgeo/geocube-mosaic/tilereader"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "mosaic_http_response_time_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path"})
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaic_http_requests_total",
		Help: "Number of HTTP requests.",
	}, []string{"path"})
	tileReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mosaic_tile_reads_total",
		Help: "Number of tile reads by status.",
	}, []string{"status"})
)

// AddHandler registers the routes of the catalog
func (c *Catalog) AddHandler(r *mux.Router) {
	r.Use(PrometheusMiddleware)
	r.HandleFunc("/catalog/build", c.BuildHandler).Methods("POST")
	r.HandleFunc("/catalog/reset", c.ResetHandler).Methods("POST")
	r.HandleFunc("/catalog/entries", c.EntriesHandler).Methods("GET")
	r.HandleFunc("/catalog/entries/at", c.EntriesAtHandler).Methods("GET")
	r.HandleFunc("/catalog/best", c.BestHandler).Methods("GET")
	r.HandleFunc("/catalog/subtypes", c.SubtypesHandler).Methods("GET")
	r.HandleFunc("/catalog/coverage/{subtype}", c.CoverageHandler).Methods("GET")
	r.HandleFunc("/tiles", c.TileHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// PrometheusMiddleware records the duration and the number of requests per route
func PrometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(path).Inc()
	})
}

func writeJSON(w http.ResponseWriter, req *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger(req.Context()).Sugar().Warnf("writeJSON: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	fmt.Fprintf(w, "%v", err)
}

// errorStatus maps an error of the catalog to an http status
func errorStatus(err error) int {
	var errNotFound db.ErrNotFound
	if errors.As(err, &errNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func queryPoint(req *http.Request) (common.GeoPoint, error) {
	lat, err := strconv.ParseFloat(req.FormValue("lat"), 64)
	if err != nil {
		return common.GeoPoint{}, fmt.Errorf("invalid lat: %w", err)
	}
	lon, err := strconv.ParseFloat(req.FormValue("lon"), 64)
	if err != nil {
		return common.GeoPoint{}, fmt.Errorf("invalid lon: %w", err)
	}
	return common.GeoPoint{Lat: lat, Lon: lon}, nil
}

// queryInt parses an optional integer
func queryInt(req *http.Request, key string, def int) (int, error) {
	v := req.FormValue(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

// BuildHandler rebuilds the catalog and returns the statistics of the build
func (c *Catalog) BuildHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	stats, err := c.Build(ctx)
	if err != nil {
		log.Logger(ctx).Sugar().Errorf("BuildHandler.%v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, req, stats)
}

// ResetHandler deletes the manifests
func (c *Catalog) ResetHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	n, err := c.Reset(ctx)
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("ResetHandler.%v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, req, map[string]int{"deleted": n})
}

// EntriesHandler lists the entries: ?subtype=&page=&limit=
func (c *Catalog) EntriesHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	page, err := queryInt(req, "page", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(req, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := c.Entries(ctx, req.FormValue("subtype"), page, limit)
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("EntriesHandler.%v", err)
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, req, entries)
}

// EntriesAtHandler lists the entries covering a point: ?lat=&lon=
func (c *Catalog) EntriesAtHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	p, err := queryPoint(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := c.EntriesAt(ctx, p)
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("EntriesAtHandler.%v", err)
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, req, entries)
}

// BestHandler returns the finest entry covering a point: ?lat=&lon=
func (c *Catalog) BestHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	p, err := queryPoint(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := c.BestAt(ctx, p)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, req, entry)
}

// SubtypesHandler lists the subtypes
func (c *Catalog) SubtypesHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	subtypes, err := c.Subtypes(ctx)
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("SubtypesHandler.%v", err)
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, req, subtypes)
}

// CoverageHandler returns the coverage of a subtype
func (c *Catalog) CoverageHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cov, err := c.Coverage(ctx, mux.Vars(req)["subtype"])
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, req, cov)
}

// TileHandler returns a tile as a png: ?path=&x=&y=&w=&h=&dw=&dh=
// dw and dh default to w and h.
func (c *Catalog) TileHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	path := req.FormValue("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing required field: 'path'"))
		return
	}
	var r tilereader.ReadRequest
	for _, f := range []struct {
		key string
		v   *int
	}{{"x", &r.SrcX}, {"y", &r.SrcY}, {"w", &r.SrcW}, {"h", &r.SrcH}} {
		var err error
		if *f.v, err = queryInt(req, f.key, 0); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	var err error
	if r.DstW, err = queryInt(req, "dw", r.SrcW); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if r.DstH, err = queryInt(req, "dh", r.SrcH); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := c.ReadTile(ctx, path, r)
	tileReads.WithLabelValues(res.Status.String()).Inc()
	switch res.Status {
	case common.Success:
	case common.InvalidArgument:
		writeError(w, http.StatusBadRequest, err)
		return
	case common.Interrupted:
		writeError(w, http.StatusServiceUnavailable, err)
		return
	default:
		log.Logger(ctx).Sugar().Warnf("TileHandler.%v", err)
		writeError(w, errorStatus(err), err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, res.Image); err != nil {
		log.Logger(ctx).Sugar().Warnf("TileHandler.Encode: %v", err)
	}
}
