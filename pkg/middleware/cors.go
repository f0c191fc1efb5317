package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// CORSConfig はCORSミドルウェアの設定。
type CORSConfig struct {
	// AllowedOrigins はリクエストを許可するオリジンの一覧。
	AllowedOrigins []string
	// AllowedMethods は許可するHTTPメソッドの一覧。
	AllowedMethods []string
	// AllowedHeaders は許可するリクエストヘッダーの一覧。
	AllowedHeaders []string
	// MaxAge はプリフライト結果をキャッシュしてよい時間。
	MaxAge time.Duration
}

// DefaultCORSConfig は指定オリジンに対する標準のCORS設定を返す。
// SSEの再接続で送られるLast-Event-IDヘッダーも許可する。
func DefaultCORSConfig(origins ...string) CORSConfig {
	return CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         24 * time.Hour,
	}
}

// CORS は設定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// OPTIONSリクエストは常に204で中断する。
func CORS(cfg CORSConfig) gin.HandlerFunc {
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o != "" {
			origins[o] = struct{}{}
		}
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(int(cfg.MaxAge.Seconds()))

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := origins[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", headers)
			c.Header("Access-Control-Max-Age", maxAge)
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
