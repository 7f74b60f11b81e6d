package middlewares

// This in-memory cache keeps hot sensor reads off the extraction path.
// golang-lru automatically evicts the least recently accessed items;
// the whole cache is flushed whenever the coordinator publishes a new
// snapshot, so entries never outlive the data they were computed from.

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru"
)

var cache *lru.Cache

type cachedResponse struct {
	status      int
	contentType string
	body        []byte
}

// InitializeCache sets up an in-memory LRU cache.
func InitializeCache(size int) error {
	var err error
	cache, err = lru.New(size)
	return err
}

// FlushCache drops every cached response. Called on snapshot refresh.
func FlushCache() {
	if cache != nil {
		cache.Purge()
	}
}

// uncachedPaths are always served live: scrapes and probes must see
// current values, and the pre-heat and status outputs depend on
// wall-clock time, not only on the snapshot the flush tracks.
var uncachedPaths = map[string]bool{
	"/metrics":        true,
	"/healthz":        true,
	"/api/v1/status":  true,
	"/api/v1/preheat": true,
}

// bodyCapture tees the response body so a successful response can be
// stored.
type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyCapture) Write(p []byte) (int, error) {
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}

// Caching serves repeated GET requests from the cache. Only successful
// responses are stored so errors are never replayed.
func Caching() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet || cache == nil {
			c.Next()
			return
		}

		if uncachedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		key := c.Request.URL.RequestURI()
		if hit, ok := cache.Get(key); ok {
			resp := hit.(*cachedResponse)
			c.Data(resp.status, resp.contentType, resp.body)
			c.Abort()
			return
		}

		capture := &bodyCapture{ResponseWriter: c.Writer}
		c.Writer = capture

		c.Next()

		if capture.Status() == http.StatusOK {
			cache.Add(key, &cachedResponse{
				status:      capture.Status(),
				contentType: capture.Header().Get("Content-Type"),
				body:        capture.buf.Bytes(),
			})
		}
	}
}
