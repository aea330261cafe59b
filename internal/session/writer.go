package session

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/tvshelf/internal/middleware"
)

// syncWriter はhttp.ResponseWriterをラップし、最初の書き込みの直前にsyncを1回だけ実行する。
// Set-CookieはWriteHeaderより前に設定する必要があるため、ここでセッションの変更を確定させる。
type syncWriter struct {
	http.ResponseWriter
	sync   func(w http.ResponseWriter) error
	synced bool
	failed bool
}

// WriteHeader はsyncを実行してから委譲する。syncに失敗した場合は500に差し替える。
func (sw *syncWriter) WriteHeader(code int) {
	if sw.synced {
		if !sw.failed {
			sw.ResponseWriter.WriteHeader(code)
		}
		return
	}
	if sw.run() {
		sw.ResponseWriter.WriteHeader(code)
	}
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200として扱う。
func (sw *syncWriter) Write(b []byte) (int, error) {
	if !sw.synced {
		sw.WriteHeader(http.StatusOK)
	}
	if sw.failed {
		return len(b), nil
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap はhttp.ResponseControllerのために元のResponseWriterを返す。
func (sw *syncWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// finish はハンドラーが何も書き込まずに返った場合にsyncを実行する。
func (sw *syncWriter) finish() {
	if !sw.synced {
		sw.run()
	}
}

func (sw *syncWriter) run() bool {
	sw.synced = true
	if err := sw.sync(sw.ResponseWriter); err != nil {
		sw.failed = true
		slog.Error("failed to sync session", slog.String("error", err.Error()))
		sw.Header().Del("Location")
		middleware.WriteInternalServerError(sw.ResponseWriter)
		return false
	}
	return true
}
