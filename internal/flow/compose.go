package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/template"
)

// composer builds send actions from message specs. The payload of an action
// is the object WhatsApp expects under the message type key.
type composer struct {
	resolver      *template.Resolver
	assets        AssetResolver
	publicBaseURL string
}

// compose resolves spec against ns. It returns an error, and no action,
// when the resolved spec does not yield a payload for its declared type.
func (c *composer) compose(ctx context.Context, spec *models.MessageSpec, recipient string, ns template.Namespace) (models.OutputAction, error) {
	if spec == nil {
		return models.OutputAction{}, fmt.Errorf("no message configured")
	}
	var (
		payload map[string]any
		err     error
	)
	switch {
	case spec.MessageType == models.MessageText:
		payload, err = c.text(spec.Text, ns)
	case spec.MessageType.IsMedia():
		payload, err = c.media(ctx, spec.MessageType, spec.Media(), ns)
	case spec.MessageType == models.MessageInteractive:
		payload, err = c.interactive(spec.Interactive, ns)
	case spec.MessageType == models.MessageTemplate:
		payload, err = c.template(spec.Template, ns)
	case spec.MessageType == models.MessageContacts:
		payload, err = c.contacts(spec.Contacts, ns)
	case spec.MessageType == models.MessageLocation:
		payload, err = c.location(spec.Location, ns)
	default:
		err = fmt.Errorf("unsupported message type %q", spec.MessageType)
	}
	if err != nil {
		return models.OutputAction{}, fmt.Errorf("%s message: %w", spec.MessageType, err)
	}
	return models.OutputAction{
		Type:        models.OutputSendMessage,
		Recipient:   recipient,
		MessageType: spec.MessageType,
		Payload:     payload,
	}, nil
}

func (c *composer) text(t *models.TextContent, ns template.Namespace) (map[string]any, error) {
	if t == nil {
		return nil, fmt.Errorf("text content missing")
	}
	body := strings.TrimSpace(c.resolver.ResolveString(t.Body, ns))
	if body == "" {
		return nil, fmt.Errorf("body resolved to empty text")
	}
	return map[string]any{"body": body, "preview_url": t.PreviewURL}, nil
}

// media picks the first usable source: a stored asset, a provider media id,
// then a link.
func (c *composer) media(ctx context.Context, kind models.MessageType, m *models.MediaContent, ns template.Namespace) (map[string]any, error) {
	if m == nil {
		return nil, fmt.Errorf("media content missing")
	}
	out := map[string]any{}
	if m.AssetRef != "" {
		ref := c.resolver.ResolveString(m.AssetRef, ns)
		if c.assets == nil {
			slog.Warn("composer.media: no asset resolver configured, trying id and link", "asset", ref)
		} else if id, link, err := c.assets.ResolveAsset(ctx, ref); err != nil {
			slog.Warn("composer.media: asset not usable, trying id and link", "asset", ref, "error", err)
		} else if id != "" {
			out["id"] = id
		} else if link != "" {
			out["link"] = link
		}
	}
	if len(out) == 0 {
		if id := c.resolver.ResolveString(m.ID, ns); id != "" {
			out["id"] = id
		} else if link := c.resolver.ResolveString(m.Link, ns); link != "" {
			out["link"] = c.absolute(link)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no media source resolved")
	}
	if m.Caption != "" && kind != models.MessageAudio && kind != models.MessageSticker {
		out["caption"] = c.resolver.ResolveString(m.Caption, ns)
	}
	if kind == models.MessageDocument && m.Filename != "" {
		out["filename"] = c.resolver.ResolveString(m.Filename, ns)
	}
	return out, nil
}

// absolute joins a relative link onto the public base URL when one is set.
func (c *composer) absolute(link string) string {
	if c.publicBaseURL == "" || strings.Contains(link, "://") {
		return link
	}
	base, err := url.Parse(c.publicBaseURL)
	if err != nil {
		slog.Warn("composer.absolute: invalid public base URL", "base", c.publicBaseURL, "error", err)
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return base.ResolveReference(ref).String()
}

func (c *composer) interactive(ic *models.InteractiveContent, ns template.Namespace) (map[string]any, error) {
	if ic == nil {
		return nil, fmt.Errorf("interactive content missing")
	}
	raw, err := toMap(ic)
	if err != nil {
		return nil, err
	}
	resolved, _ := c.resolver.Resolve(raw, ns).(map[string]any)
	body, _ := resolved["body"].(map[string]any)
	if text, _ := body["text"].(string); strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("interactive body resolved to empty text")
	}
	return resolved, nil
}

// template resolves only the parameter values WhatsApp substitutes: text,
// media links, button payloads and currency/date fallbacks.
func (c *composer) template(tc *models.TemplateContent, ns template.Namespace) (map[string]any, error) {
	if tc == nil {
		return nil, fmt.Errorf("template content missing")
	}
	raw, err := toMap(tc)
	if err != nil {
		return nil, err
	}
	components, _ := raw["components"].([]any)
	for _, comp := range components {
		cm, ok := comp.(map[string]any)
		if !ok {
			continue
		}
		params, _ := cm["parameters"].([]any)
		for _, p := range params {
			param, ok := p.(map[string]any)
			if !ok {
				continue
			}
			c.resolveParam(cm, param, ns)
		}
	}
	return raw, nil
}

func (c *composer) resolveParam(component, param map[string]any, ns template.Namespace) {
	if text, ok := param["text"].(string); ok {
		param["text"] = c.resolver.ResolveString(text, ns)
	}
	kind, _ := param["type"].(string)
	switch kind {
	case "image", "video", "document":
		if media, ok := param[kind].(map[string]any); ok {
			if link, ok := media["link"].(string); ok {
				media["link"] = c.absolute(c.resolver.ResolveString(link, ns))
			}
		}
	case "payload":
		if component["type"] == "button" {
			if payload, ok := param["payload"].(string); ok {
				param["payload"] = c.resolver.ResolveString(payload, ns)
			}
		}
	case "currency", "date_time":
		if inner, ok := param[kind].(map[string]any); ok {
			if fb, ok := inner["fallback_value"].(string); ok {
				inner["fallback_value"] = c.resolver.ResolveString(fb, ns)
			}
		}
	}
}

func (c *composer) contacts(cards []models.ContactCard, ns template.Namespace) (map[string]any, error) {
	if len(cards) == 0 {
		return nil, fmt.Errorf("no contact cards")
	}
	data, err := json.Marshal(cards)
	if err != nil {
		return nil, fmt.Errorf("encode contacts: %w", err)
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	return map[string]any{"contacts": c.resolver.Resolve(raw, ns)}, nil
}

func (c *composer) location(loc *models.LocationContent, ns template.Namespace) (map[string]any, error) {
	if loc == nil {
		return nil, fmt.Errorf("location content missing")
	}
	raw, err := toMap(loc)
	if err != nil {
		return nil, err
	}
	resolved, _ := c.resolver.Resolve(raw, ns).(map[string]any)
	return resolved, nil
}

// toMap converts a config struct to its JSON object form.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return out, nil
}
