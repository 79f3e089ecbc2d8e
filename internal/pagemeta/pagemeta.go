package pagemeta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/livinlefevreloca/runboard/internal/action"
)

// Upper bound on how much of the dashboard page is read
const maxPageBytes = 4 << 20

// Parse collects name → content from every <meta name=... content=...> tag.
// The first occurrence of a name wins.
func Parse(r io.Reader) (map[string]string, error) {
	meta := make(map[string]string)
	z := html.NewTokenizer(r)

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return meta, nil
			}
			return nil, fmt.Errorf("pagemeta: tokenize: %w", z.Err())

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.Meta {
				continue
			}

			var name, content string
			var hasContent bool
			for _, attr := range tok.Attr {
				switch strings.ToLower(attr.Key) {
				case "name":
					name = attr.Val
				case "content":
					content = attr.Val
					hasContent = true
				}
			}
			if name == "" || !hasContent {
				continue
			}
			if _, seen := meta[name]; !seen {
				meta[name] = content
			}
		}
	}
}

// Collect builds endpoints from whatever keys are present, without validation
func Collect(meta map[string]string) action.Endpoints {
	endpoints := action.Endpoints{
		URLs:      make(map[action.Kind]string, len(action.Kinds)),
		CSRFToken: meta[action.FieldCSRFToken],
	}
	for _, kind := range action.Kinds {
		if u := meta[kind.MetaName()]; u != "" {
			endpoints.URLs[kind] = u
		}
	}
	return endpoints
}

// Endpoints builds the action boundary constants from page metadata. Every
// missing key is reported in a single *action.ConfigError.
func Endpoints(meta map[string]string) (action.Endpoints, error) {
	endpoints := Collect(meta)
	if err := endpoints.Validate(); err != nil {
		return action.Endpoints{}, err
	}
	return endpoints, nil
}

// Fetch reads the dashboard page once and returns its metadata. Endpoint
// URLs are resolved against the final page URL.
func Fetch(ctx context.Context, client *http.Client, pageURL string) (map[string]string, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("pagemeta: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pagemeta: fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pagemeta: fetch page: unexpected status %d", resp.StatusCode)
	}

	meta, err := Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, err
	}

	base := resp.Request.URL
	for _, kind := range action.Kinds {
		raw, ok := meta[kind.MetaName()]
		if !ok || raw == "" {
			continue
		}
		ref, err := base.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("pagemeta: invalid %s: %w", kind.MetaName(), err)
		}
		meta[kind.MetaName()] = ref.String()
	}

	return meta, nil
}

// Load fetches the page and resolves complete endpoints from it
func Load(ctx context.Context, client *http.Client, pageURL string) (action.Endpoints, error) {
	meta, err := Fetch(ctx, client, pageURL)
	if err != nil {
		return action.Endpoints{}, err
	}
	return Endpoints(meta)
}
