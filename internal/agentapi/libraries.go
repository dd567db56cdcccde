package agentapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

type Library struct {
	ID          string
	Name        string
	Description string
}

func (c *Client) ListLibraries(ctx context.Context) ([]Library, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/v1/libraries", nil, nil)
	if err != nil {
		return nil, err
	}
	items := listItems(body)
	out := make([]Library, 0, len(items))
	for _, it := range items {
		id := strings.TrimSpace(it.Get("id").String())
		if id == "" {
			continue
		}
		out = append(out, Library{
			ID:          id,
			Name:        it.Get("name").String(),
			Description: it.Get("description").String(),
		})
	}
	return out, nil
}

// CreateLibrary creates a named library. description carries the content hash it indexes.
func (c *Client) CreateLibrary(ctx context.Context, name string, description string) (Library, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Library{}, errors.New("missing library name")
	}
	body, err := c.doJSON(ctx, http.MethodPost, "/v1/libraries", nil, map[string]string{
		"name":        name,
		"description": description,
	})
	if err != nil {
		return Library{}, err
	}
	id, err := idFrom(body)
	if err != nil {
		return Library{}, err
	}
	return Library{ID: id, Name: name, Description: description}, nil
}

// UploadDocument uploads data into a library as a multipart file.
func (c *Client) UploadDocument(ctx context.Context, libraryID string, fileName string, data []byte) error {
	libraryID = strings.TrimSpace(libraryID)
	if libraryID == "" {
		return errors.New("missing library id")
	}
	fileName = filepath.Base(strings.TrimSpace(fileName))
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		fileName = "document"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/libraries/"+url.PathEscape(libraryID)+"/documents", nil, &buf, mw.FormDataContentType())
	if err != nil {
		return err
	}
	if _, err := c.do(req, maxResponseBytes); err != nil {
		return fmt.Errorf("upload %s: %w", fileName, err)
	}
	return nil
}

// DownloadFile fetches a provider-generated file by id.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, errors.New("missing file id")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/files/"+url.PathEscape(fileID)+"/content", nil, nil, "")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	return c.do(req, maxFileBytes)
}

// FetchURL downloads an external image by URL. Only http(s) URLs are accepted; no credentials are sent.
func (c *Client) FetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("unsupported url %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, maxFileBytes)
}

// Index adapts the library endpoints to a content-hash keyed document index.
type Index struct {
	c *Client
}

func (c *Client) Index() *Index { return &Index{c: c} }

// FindLibrary returns the library whose description equals hash.
func (x *Index) FindLibrary(ctx context.Context, hash string) (string, bool, error) {
	libs, err := x.c.ListLibraries(ctx)
	if err != nil {
		return "", false, err
	}
	for _, l := range libs {
		if strings.EqualFold(strings.TrimSpace(l.Description), hash) {
			return l.ID, true, nil
		}
	}
	return "", false, nil
}

func (x *Index) CreateLibrary(ctx context.Context, name string, hash string) (string, error) {
	lib, err := x.c.CreateLibrary(ctx, name, hash)
	if err != nil {
		return "", err
	}
	return lib.ID, nil
}

func (x *Index) UploadDocument(ctx context.Context, handle string, fileName string, data []byte) error {
	return x.c.UploadDocument(ctx, handle, fileName, data)
}
