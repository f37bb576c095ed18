package httpexec

import (
	"bytes"
	"io"
	"maps"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"
)

const (
	contentTypeHeader string = "Content-Type"
	jsonContentType   string = "application/json"
	octetStream       string = "application/octet-stream"
)

// File describes one multipart file part. The content comes from Content,
// Reader or Path, checked in that order.
type File struct {
	Field       string
	Path        string
	Content     []byte
	Reader      io.Reader
	Filename    string
	ContentType string
}

// encodeBody turns a call body into bytes. Raw bodies ([]byte, string,
// io.Reader) are sent untouched; anything else becomes JSON and reports its
// content type.
func encodeBody(body any) ([]byte, string, error) {
	const op = errors.Op("httpexec_encode_body")

	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "", nil
	case string:
		return []byte(b), "", nil
	case json.RawMessage:
		return b, jsonContentType, nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", errors.E(op, err)
		}
		return data, "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", errors.E(op, err)
		}
		return data, jsonContentType, nil
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeMultipart builds a multipart/form-data body once so every retry can
// replay it. Scalar fields go first (sorted by name), files follow in the
// order given.
func encodeMultipart(files []File, fields map[string]string) ([]byte, string, error) {
	const op = errors.Op("httpexec_encode_multipart")

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", errors.E(op, err)
		}
	}

	for i := range files {
		f := &files[i]
		if f.Field == "" {
			return nil, "", errors.E(op, errors.Errorf("file #%d has no field name", i))
		}

		content, err := f.read()
		if err != nil {
			return nil, "", errors.E(op, err)
		}

		filename := f.Filename
		if filename == "" && f.Path != "" {
			filename = filepath.Base(f.Path)
		}
		if filename == "" {
			filename = f.Field
		}

		ct := f.ContentType
		if ct == "" {
			ct = mime.TypeByExtension(filepath.Ext(filename))
		}
		if ct == "" {
			ct = octetStream
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+quoteEscaper.Replace(f.Field)+`"; filename="`+quoteEscaper.Replace(filename)+`"`)
		h.Set(contentTypeHeader, ct)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", errors.E(op, err)
		}

		if _, err = part.Write(content); err != nil {
			return nil, "", errors.E(op, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", errors.E(op, err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func (f *File) read() ([]byte, error) {
	switch {
	case f.Content != nil:
		return f.Content, nil
	case f.Reader != nil:
		return io.ReadAll(f.Reader)
	case f.Path != "":
		return os.ReadFile(f.Path)
	default:
		return nil, errors.Errorf("file %q has no content source", f.Field)
	}
}
