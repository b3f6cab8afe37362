// Package newsletter implements the campaign delivery engine: list and
// subscriber storage, the campaign state machine, idempotent recipient
// enqueueing, batch delivery, and engagement analytics.
package newsletter

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/osteele/liquid"

	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// PreviewSubscriberID is the synthetic subscriber id used for preview and
// test sends. It never appears in the queue, and the tracking collector
// refuses to record events for it, so test traffic cannot pollute analytics.
const PreviewSubscriberID = "preview-subscriber"

// Renderer merges campaign content with per-recipient data and tracking
// artifacts. Rendering is pure: no store access and no side effects, so the
// same path serves real delivery and preview/test sends.
type Renderer struct {
	engine       *liquid.Engine
	cache        sync.Map // campaign cache key -> *liquid.Template
	trackingBase string
}

// NewRenderer creates a renderer. trackingBase is the public base URL of the
// tracking collector, e.g. "https://t.example.com".
func NewRenderer(trackingBase string) *Renderer {
	engine := liquid.NewEngine()

	// Fallback for missing merge fields: {{ name | default: "there" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return &Renderer{
		engine:       engine,
		trackingBase: strings.TrimRight(trackingBase, "/"),
	}
}

// Rendered is the final per-recipient output.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Render produces the final HTML and plain-text bodies for one recipient.
// body must already be resolved to an InlineBody (template refs are looked
// up by the caller); subscriberID is a string so preview sends can pass
// PreviewSubscriberID.
func (r *Renderer) Render(c *Campaign, body InlineBody, sub *Subscriber, subscriberID string) Rendered {
	bindings := mergeBindings(sub)

	html := r.renderLiquid(c.ID.String()+":html", body.HTML, bindings)
	text := r.renderLiquid(c.ID.String()+":text", body.Text, bindings)
	subject := r.renderLiquid(c.ID.String()+":subject", c.Subject, bindings)

	html = r.rewriteLinks(html, c.ID, subscriberID)
	html = r.injectPixel(html, c.ID, subscriberID)

	return Rendered{Subject: subject, HTML: html, Text: text}
}

// mergeBindings builds the liquid context from subscriber data. Custom
// attributes are exposed at the top level alongside email and name.
func mergeBindings(sub *Subscriber) map[string]interface{} {
	bindings := map[string]interface{}{}
	if sub != nil {
		for k, v := range sub.Attributes {
			bindings[k] = v
		}
		bindings["email"] = sub.Email
		bindings["name"] = sub.Name
	}
	return bindings
}

// renderLiquid renders a template string in lax mode: on parse or render
// failure the original content is sent rather than failing the delivery.
func (r *Renderer) renderLiquid(cacheKey, content string, bindings map[string]interface{}) string {
	if content == "" {
		return content
	}

	var tpl *liquid.Template
	if cached, ok := r.cache.Load(cacheKey); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(content)
		if err != nil {
			logger.Warn("template parse failed, sending raw content", "error", err)
			return content
		}
		r.cache.Store(cacheKey, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		logger.Warn("template render failed, sending raw content", "error", err)
		return content
	}
	return out
}

// ClickURL builds the click-tracking redirect for one outbound link.
func (r *Renderer) ClickURL(campaignID uuid.UUID, subscriberID, originalURL string) string {
	return fmt.Sprintf("%s/r/click?cid=%s&sid=%s&url=%s",
		r.trackingBase, campaignID, url.QueryEscape(subscriberID), url.QueryEscape(originalURL))
}

// OpenPixelURL builds the open-tracking pixel URL.
func (r *Renderer) OpenPixelURL(campaignID uuid.UUID, subscriberID string) string {
	return fmt.Sprintf("%s/r/open/%s/%s", r.trackingBase, campaignID, url.PathEscape(subscriberID))
}

// rewriteLinks replaces every absolute http(s) href with a click-tracking
// redirect. Links already pointing at the collector are left alone.
func (r *Renderer) rewriteLinks(html string, campaignID uuid.UUID, subscriberID string) string {
	const marker = `href="`

	var b strings.Builder
	rest := html
	for {
		i := strings.Index(rest, marker)
		if i < 0 {
			break
		}
		start := i + len(marker)
		end := strings.Index(rest[start:], `"`)
		if end < 0 {
			break
		}

		original := rest[start : start+end]
		b.WriteString(rest[:start])
		if isTrackableLink(original) && !strings.Contains(original, "/r/click") && !strings.Contains(original, "/r/open") {
			b.WriteString(r.ClickURL(campaignID, subscriberID, original))
		} else {
			b.WriteString(original)
		}
		rest = rest[start+end:]
	}
	b.WriteString(rest)
	return b.String()
}

func isTrackableLink(href string) bool {
	return strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://")
}

// injectPixel inserts the invisible open-tracking image before </body>, or
// appends it when the markup has no body close tag.
func (r *Renderer) injectPixel(html string, campaignID uuid.UUID, subscriberID string) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt="" />`,
		r.OpenPixelURL(campaignID, subscriberID))
	if strings.Contains(html, "</body>") {
		return strings.Replace(html, "</body>", pixel+"</body>", 1)
	}
	return html + pixel
}
