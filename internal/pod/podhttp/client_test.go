package podhttp_test

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/vault-gateway/internal/pod"
	"github.com/openkcm/vault-gateway/internal/pod/podhttp"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

const grantHeader = "X-Access-Grant"

var grant = []byte(`{"id":"grant-1"}`)

func TestClient_Read(t *testing.T) {
	tests := []struct {
		name      string
		read      func(c *podhttp.Client, url string) (pod.Resource, error)
		status    int
		wantRes   pod.Resource
		wantAcc   string
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name:      "Read",
			read:      func(c *podhttp.Client, url string) (pod.Resource, error) { return c.Read(t.Context(), url, grant) },
			status:    http.StatusOK,
			wantRes:   pod.Resource{ContentType: "text/turtle", Body: []byte("<#me> a <#Person> .")},
			wantAcc:   podhttp.ContentTypeTurtle,
			assertErr: assert.NoError,
		},
		{
			name:      "Read file",
			read:      func(c *podhttp.Client, url string) (pod.Resource, error) { return c.ReadFile(t.Context(), url, grant) },
			status:    http.StatusOK,
			wantRes:   pod.Resource{ContentType: "text/turtle", Body: []byte("<#me> a <#Person> .")},
			wantAcc:   "*/*",
			assertErr: assert.NoError,
		},
		{
			name:   "Forbidden",
			read:   func(c *podhttp.Client, url string) (pod.Resource, error) { return c.Read(t.Context(), url, grant) },
			status: http.StatusForbidden,
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrAccessDenied)
			},
		},
		{
			name:   "Not found",
			read:   func(c *podhttp.Client, url string) (pod.Resource, error) { return c.Read(t.Context(), url, grant) },
			status: http.StatusNotFound,
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrNotFound)
			},
		},
		{
			name:   "Pod failure",
			read:   func(c *podhttp.Client, url string) (pod.Resource, error) { return c.Read(t.Context(), url, grant) },
			status: http.StatusInternalServerError,
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrBadGateway)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotGrant, gotAccept string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotGrant = r.Header.Get(grantHeader)
				gotAccept = r.Header.Get("Accept")
				w.Header().Set("Content-Type", "text/turtle")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("<#me> a <#Person> ."))
			}))
			defer server.Close()

			c := podhttp.NewClient(server.Client(), grantHeader, time.Minute)
			res, err := tt.read(c, server.URL+"/alice/profile")

			decoded, decErr := base64.RawURLEncoding.DecodeString(gotGrant)
			require.NoError(t, decErr)
			assert.Equal(t, grant, decoded)

			if !tt.assertErr(t, err, fmt.Sprintf("read error %v", err)) || err != nil {
				return
			}

			assert.Equal(t, tt.wantAcc, gotAccept)
			assert.Equal(t, tt.wantRes, res)
		})
	}
}

func TestClient_Write(t *testing.T) {
	tests := []struct {
		name            string
		write           func(c *podhttp.Client, url string, res pod.Resource) error
		res             pod.Resource
		wantContentType string
	}{
		{
			name:            "Write defaults to turtle",
			write:           func(c *podhttp.Client, url string, res pod.Resource) error { return c.Write(t.Context(), url, res, grant) },
			res:             pod.Resource{Body: []byte("<#me> a <#Person> .")},
			wantContentType: podhttp.ContentTypeTurtle,
		},
		{
			name:            "Write file defaults to binary",
			write:           func(c *podhttp.Client, url string, res pod.Resource) error { return c.WriteFile(t.Context(), url, res, grant) },
			res:             pod.Resource{Body: []byte{0x1, 0x2}},
			wantContentType: podhttp.ContentTypeBinary,
		},
		{
			name:            "Write file keeps the content type",
			write:           func(c *podhttp.Client, url string, res pod.Resource) error { return c.WriteFile(t.Context(), url, res, grant) },
			res:             pod.Resource{ContentType: "application/pdf", Body: []byte("%PDF")},
			wantContentType: "application/pdf",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotMethod, gotContentType string
			var gotBody []byte
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotContentType = r.Header.Get("Content-Type")
				gotBody, _ = io.ReadAll(r.Body)
				w.WriteHeader(http.StatusCreated)
			}))
			defer server.Close()

			c := podhttp.NewClient(server.Client(), grantHeader, time.Minute)
			require.NoError(t, tt.write(c, server.URL+"/alice/file", tt.res))

			assert.Equal(t, http.MethodPut, gotMethod)
			assert.Equal(t, tt.wantContentType, gotContentType)
			assert.Equal(t, tt.res.Body, gotBody)
		})
	}
}

func TestClient_ListPods(t *testing.T) {
	var calls atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/ld+json")
		switch r.URL.Path {
		case "/alice/profile/card":
			_, _ = fmt.Fprintf(w, `{"@graph":[
				{"@id":"%[1]s/alice/profile/card#me","http://www.w3.org/ns/pim/space#storage":[{"@id":"%[1]s/alice/"},{"@id":"%[1]s/alice-backup/"}]},
				{"@id":"%[1]s/other#me","http://www.w3.org/ns/pim/space#storage":{"@id":"%[1]s/other/"}}
			]}`, server.URL)
		case "/bob/profile/card":
			_, _ = fmt.Fprintf(w, `{
				"@context":{"space":"http://www.w3.org/ns/pim/space#"},
				"@id":"%[1]s/bob/profile/card#me",
				"space:storage":{"@id":"%[1]s/bob/"}
			}`, server.URL)
		case "/carol/profile/card":
			_, _ = w.Write([]byte(`{
				"@context":{"pod":{"@id":"http://www.w3.org/ns/pim/space#storage","@type":"@id"}},
				"@id":"#me",
				"pod":"/carol/"
			}`))
		case "/erin/profile/card":
			_, _ = fmt.Fprintf(w, `{"@context":"%[1]s/contexts/solid.jsonld","@id":"#me","storage":"/erin/"}`, server.URL)
		case "/contexts/solid.jsonld":
			_, _ = w.Write([]byte(`{"@context":{"storage":{"@id":"http://www.w3.org/ns/pim/space#storage","@type":"@id"}}}`))
		case "/dave/profile/card":
			_, _ = fmt.Fprintf(w, `{"@graph":[
				{"@id":"%[1]s/dave/profile/card","http://xmlns.com/foaf/0.1/primaryTopic":{"@id":"%[1]s/dave/profile/card#me"}},
				{"@id":"%[1]s/mallory#me","http://www.w3.org/ns/pim/space#storage":{"@id":"%[1]s/mallory/"}}
			]}`, server.URL)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := podhttp.NewClient(server.Client(), grantHeader, time.Minute)

	tests := []struct {
		name      string
		webID     string
		want      []string
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name:      "Expanded graph",
			webID:     server.URL + "/alice/profile/card#me",
			want:      []string{server.URL + "/alice/", server.URL + "/alice-backup/"},
			assertErr: assert.NoError,
		},
		{
			name:      "Prefixed predicate",
			webID:     server.URL + "/bob/profile/card#me",
			want:      []string{server.URL + "/bob/"},
			assertErr: assert.NoError,
		},
		{
			name:      "Aliased predicate with relative iris",
			webID:     server.URL + "/carol/profile/card#me",
			want:      []string{server.URL + "/carol/"},
			assertErr: assert.NoError,
		},
		{
			name:      "Remote context",
			webID:     server.URL + "/erin/profile/card#me",
			want:      []string{server.URL + "/erin/"},
			assertErr: assert.NoError,
		},
		{
			name:      "Storage of another subject",
			webID:     server.URL + "/dave/profile/card#me",
			want:      []string{},
			assertErr: assert.NoError,
		},
		{
			name:  "Unknown profile",
			webID: server.URL + "/frank/profile/card#me",
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrNotFound)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ListPods(t.Context(), tt.webID)
			if !tt.assertErr(t, err, fmt.Sprintf("ListPods() error %v", err)) || err != nil {
				return
			}

			assert.ElementsMatch(t, tt.want, got)
		})
	}

	t.Run("Profiles are cached", func(t *testing.T) {
		before := calls.Load()
		_, err := c.ListPods(t.Context(), server.URL+"/alice/profile/card#me")
		require.NoError(t, err)
		assert.Equal(t, before, calls.Load())
	})
}
