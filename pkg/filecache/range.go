package filecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tzbkk/pacprism/pkg/storage"
)

// byteRange is a fully resolved, inclusive [start, end] range.
type byteRange struct {
	start, end int64
}

func (b byteRange) length() int64 { return b.end - b.start + 1 }

// parseRange parses a single-range "Range: bytes=..." header against a file
// of the given size. Only the three forms A-B, A-, and -N are supported;
// multi-range requests and malformed headers are rejected.
func parseRange(header string, size int64) (byteRange, bool) {
	const prefix = "bytes="

	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, false
	}

	spec := header[len(prefix):]
	if strings.Contains(spec, ",") {
		// Multi-range requests are not supported.
		return byteRange{}, false
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return byteRange{}, false
	}

	startStr, endStr := spec[:dash], spec[dash+1:]

	switch {
	case startStr == "" && endStr != "":
		// -N: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 || size <= 0 {
			return byteRange{}, false
		}

		start := size - n
		if start < 0 {
			start = 0
		}

		return byteRange{start: start, end: size - 1}, true

	case startStr != "" && endStr == "":
		// A-: from A to end.
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 || start >= size {
			return byteRange{}, false
		}

		return byteRange{start: start, end: size - 1}, true

	case startStr != "" && endStr != "":
		// A-B: explicit range.
		start, err1 := strconv.ParseInt(startStr, 10, 64)
		end, err2 := strconv.ParseInt(endStr, 10, 64)

		if err1 != nil || err2 != nil || start < 0 || end < start || start >= size {
			return byteRange{}, false
		}

		if end >= size {
			end = size - 1
		}

		return byteRange{start: start, end: end}, true

	default:
		return byteRange{}, false
	}
}

func (fc *FileCache) serveRange(
	ctx context.Context,
	w http.ResponseWriter,
	key string,
	info storage.FileInfo,
	etag, lastModified string,
	br byteRange,
	log *zerolog.Logger,
) {
	_, body, err := fc.store.GetFile(ctx, key)
	if err != nil {
		log.Error().Err(err).Msg("error opening cached file for range request")
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}
	defer body.Close()

	if br.start > 0 {
		if seeker, ok := body.(io.Seeker); ok {
			if _, err := seeker.Seek(br.start, io.SeekStart); err != nil {
				log.Error().Err(err).Msg("error seeking cached file")
				http.Error(w, "internal error", http.StatusInternalServerError)

				return
			}
		} else if _, err := io.CopyN(io.Discard, body, br.start); err != nil {
			log.Error().Err(err).Msg("error skipping to range start")
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(br.length(), 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.start, br.end, info.Size))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", lastModified)
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusPartialContent)

	if _, err := io.CopyN(w, body, br.length()); err != nil && err != io.EOF {
		log.Warn().Err(err).Msg("error writing range response body")
	}
}
