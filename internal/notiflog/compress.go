package notiflog

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"yangvault/internal/errcode"
)

// brotliQuality trades speed for ratio on rolled logs; they compress once
// and replay rarely.
const brotliQuality = 6

// zstdDec is a package-level decoder, concurrent-safe, always available
// for replay reads.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// compressFile compresses a rolled log in place, appending the algorithm
// suffix and removing the original via temp-file-then-rename.
func compressFile(path string, algo Algo) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errcode.Wrap(errcode.Sys, err, "read rolled log")
	}

	var out bytes.Buffer
	var suffix string
	switch algo {
	case AlgoBrotli:
		suffix = ".br"
		w := brotli.NewWriterLevel(&out, brotliQuality)
		if _, err := w.Write(data); err != nil {
			return errcode.Wrap(errcode.Internal, err, "brotli compress")
		}
		if err := w.Close(); err != nil {
			return errcode.Wrap(errcode.Internal, err, "brotli close")
		}
	default:
		suffix = ".zst"
		enc, err := zstd.NewWriter(&out)
		if err != nil {
			return errcode.Wrap(errcode.Internal, err, "zstd writer")
		}
		if _, err := enc.Write(data); err != nil {
			enc.Close()
			return errcode.Wrap(errcode.Internal, err, "zstd compress")
		}
		if err := enc.Close(); err != nil {
			return errcode.Wrap(errcode.Internal, err, "zstd close")
		}
	}

	tmp, err := os.CreateTemp(dirOf(path), ".roll-*")
	if err != nil {
		return errcode.Wrap(errcode.Sys, err, "compress temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return errcode.Wrap(errcode.Sys, err, "write compressed log")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errcode.Wrap(errcode.Sys, err, "close compressed log")
	}
	if err := os.Rename(tmpPath, path+suffix); err != nil {
		_ = os.Remove(tmpPath)
		return errcode.Wrap(errcode.Sys, err, "rename compressed log")
	}
	return os.Remove(path)
}

// readMaybeCompressed reads a rolled log, transparently decompressing by
// file suffix.
func readMaybeCompressed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errcode.Wrap(errcode.Sys, err, "read rolled log")
	}
	switch {
	case strings.HasSuffix(path, ".zst"):
		out, err := zstdDec.DecodeAll(data, nil)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, err, "zstd decompress %s", path)
		}
		return out, nil
	case strings.HasSuffix(path, ".br"):
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, err, "brotli decompress %s", path)
		}
		return out, nil
	}
	return data, nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}
