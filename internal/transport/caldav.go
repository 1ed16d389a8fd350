package transport

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"tasksync/internal/config"
	"tasksync/internal/model"
)

const ctagQuery = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop><cs:getctag/></d:prop>
</d:propfind>`

type CalDAV struct {
	cl       *caldav.Client
	http     *resty.Client
	endpoint *url.URL
	user     string
}

func NewCalDAV() *CalDAV {
	c, err := newCalDAV(
		config.Gist().String(config.CALDAV_URL),
		config.Gist().String(config.CALDAV_USER),
		config.Gist().String(config.CALDAV_PASS),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating caldav client")
	}
	return c
}

func newCalDAV(rawURL, user, pass string) (*CalDAV, error) {
	endpoint, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing caldav url")
	}
	var httpClient webdav.HTTPClient = http.DefaultClient
	rc := resty.New()
	if user != "" && pass != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(httpClient, user, pass)
		rc.SetBasicAuth(user, pass)
	}
	cl, err := caldav.NewClient(httpClient, endpoint.String())
	if err != nil {
		return nil, err
	}
	return &CalDAV{
		cl:       cl,
		http:     rc,
		endpoint: endpoint,
		user:     user,
	}, nil
}

// FetchAccounts reports the configured server as a single account keyed by
// user and host.
func (c *CalDAV) FetchAccounts(_ context.Context) ([]Account, error) {
	name := c.user
	if name == "" {
		name = c.endpoint.Host
	}
	return []Account{{
		UUID:     c.user + "@" + c.endpoint.Host,
		Name:     name,
		Type:     model.AccountTypeCalDAV,
		URL:      c.endpoint.String(),
		Username: c.user,
	}}, nil
}

func (c *CalDAV) FetchLists(ctx context.Context, account Account) ([]List, error) {
	principal, err := c.cl.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "error finding principal")
	}
	homeSet, err := c.cl.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, errors.Wrap(err, "error finding calendar home set")
	}
	calendars, err := c.cl.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, errors.Wrap(err, "error finding calendars")
	}

	lists := make([]List, 0, len(calendars))
	for _, cal := range calendars {
		if !supportsTodo(cal.SupportedComponentSet) {
			continue
		}
		ctag, err := c.ctag(ctx, cal.Path)
		if err != nil {
			log.Warn().Err(err).Str("account", account.UUID).Str("calendar", cal.Path).Msg("error getting ctag")
		}
		lists = append(lists, List{URL: cal.Path, Name: cal.Name, CTag: ctag})
	}
	return lists, nil
}

func (c *CalDAV) FetchTasks(ctx context.Context, list List) ([]Object, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompToDo}},
		},
	}
	found, err := c.cl.QueryCalendar(ctx, list.URL, query)
	if err != nil {
		return nil, errors.Wrap(err, "error querying calendar")
	}

	objects := make([]Object, 0, len(found))
	for _, o := range found {
		var buf bytes.Buffer
		if err := ical.NewEncoder(&buf).Encode(o.Data); err != nil {
			log.Warn().Err(err).Str("calendar", list.URL).Str("href", o.Path).Msg("error encoding calendar object")
			continue
		}
		objects = append(objects, Object{
			UID:   todoUID(o.Data),
			Href:  o.Path,
			ETag:  o.ETag,
			VTodo: buf.Bytes(),
		})
	}
	return objects, nil
}

// Upload writes one object and returns the ETag the server assigned. Existing
// objects are only replaced when etag still matches.
func (c *CalDAV) Upload(ctx context.Context, list List, object, etag string, data []byte) (string, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/calendar; charset=utf-8").
		SetBody(data)
	if etag != "" {
		req.SetHeader("If-Match", etag)
	} else {
		req.SetHeader("If-None-Match", "*")
	}
	resp, err := req.Put(c.resolve(list.URL, object))
	if err != nil {
		return "", errors.Wrap(err, "error uploading task")
	}
	if resp.IsError() {
		return "", errors.Errorf("error uploading %s: %s", object, resp.Status())
	}
	return resp.Header().Get("ETag"), nil
}

type multistatus struct {
	Responses []struct {
		Propstats []struct {
			CTag string `xml:"prop>getctag"`
		} `xml:"propstat"`
	} `xml:"response"`
}

func (c *CalDAV) ctag(ctx context.Context, collection string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Depth", "0").
		SetHeader("Content-Type", "application/xml; charset=utf-8").
		SetBody(ctagQuery).
		Execute("PROPFIND", c.resolve(collection))
	if err != nil {
		return "", errors.Wrap(err, "error requesting ctag")
	}
	if resp.IsError() {
		return "", errors.Errorf("error requesting ctag: %s", resp.Status())
	}
	var ms multistatus
	if err := xml.Unmarshal(resp.Body(), &ms); err != nil {
		return "", errors.Wrap(err, "error parsing ctag response")
	}
	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			if ps.CTag != "" {
				return strings.TrimSpace(ps.CTag), nil
			}
		}
	}
	return "", nil
}

func (c *CalDAV) resolve(elem ...string) string {
	ref := &url.URL{Path: path.Join(elem...)}
	if strings.HasSuffix(elem[len(elem)-1], "/") {
		ref.Path += "/"
	}
	return c.endpoint.ResolveReference(ref).String()
}

func supportsTodo(components []string) bool {
	if len(components) == 0 {
		return true
	}
	for _, comp := range components {
		if strings.EqualFold(comp, ical.CompToDo) {
			return true
		}
	}
	return false
}

func todoUID(cal *ical.Calendar) string {
	if cal == nil {
		return ""
	}
	for _, child := range cal.Children {
		if child.Name != ical.CompToDo {
			continue
		}
		uid, err := child.Props.Text(ical.PropUID)
		if err != nil {
			return ""
		}
		return uid
	}
	return ""
}
