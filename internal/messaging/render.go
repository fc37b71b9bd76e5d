package messaging

import (
	"fmt"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// RenderText flattens an envelope into the plain text the transports send
// when they cannot carry the native message type. Interactive options are
// numbered so a contact can still answer by typing the option title.
func RenderText(env models.OutboundEnvelope) (string, error) {
	p := gabs.Wrap(env.Payload)
	var lines []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, s)
		}
	}

	switch {
	case env.MessageType == models.MessageText:
		add(str(p, "body"))
	case env.MessageType.IsMedia():
		add(str(p, "caption"))
		if link := str(p, "link"); link != "" {
			add(link)
		} else if name := str(p, "filename"); name != "" {
			add("[" + name + "]")
		}
	case env.MessageType == models.MessageInteractive:
		add(str(p, "header.text"))
		add(str(p, "body.text"))
		n := 1
		for _, b := range p.Search("action", "buttons").Children() {
			add(fmt.Sprintf("%d. %s", n, str(b, "reply.title")))
			n++
		}
		for _, sec := range p.Search("action", "sections").Children() {
			add(str(sec, "title"))
			for _, row := range sec.Search("rows").Children() {
				line := fmt.Sprintf("%d. %s", n, str(row, "title"))
				if d := str(row, "description"); d != "" {
					line += " - " + d
				}
				add(line)
				n++
			}
		}
		add(str(p, "footer.text"))
	case env.MessageType == models.MessageTemplate:
		for _, comp := range p.Search("components").Children() {
			for _, param := range comp.Search("parameters").Children() {
				add(str(param, "text"))
			}
		}
		if len(lines) == 0 {
			add(str(p, "name"))
		}
	case env.MessageType == models.MessageContacts:
		for _, card := range p.Search("contacts").Children() {
			add(str(card, "name.formatted_name"))
			for _, ph := range card.Search("phones").Children() {
				add(str(ph, "phone"))
			}
			for _, em := range card.Search("emails").Children() {
				add(str(em, "email"))
			}
		}
	case env.MessageType == models.MessageLocation:
		add(str(p, "name"))
		add(str(p, "address"))
		lat, _ := p.Path("latitude").Data().(float64)
		lng, _ := p.Path("longitude").Data().(float64)
		add(fmt.Sprintf("https://maps.google.com/?q=%f,%f", lat, lng))
	default:
		return "", fmt.Errorf("unsupported message type %q", env.MessageType)
	}

	if len(lines) == 0 {
		return "", fmt.Errorf("%s message has no renderable content", env.MessageType)
	}
	return strings.Join(lines, "\n"), nil
}

// MediaLink returns the fetchable link of a media envelope, if it has one.
func MediaLink(env models.OutboundEnvelope) string {
	if !env.MessageType.IsMedia() {
		return ""
	}
	return str(gabs.Wrap(env.Payload), "link")
}

func str(c *gabs.Container, path string) string {
	s, _ := c.Path(path).Data().(string)
	return s
}
