package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/macjediwizard/crmcalsync/internal/calendar"
)

// SyncItem is a changed or new object from a sync-collection report.
type SyncItem struct {
	Path string
	ETag string
	Data string
}

// SyncResponse is the result of a WebDAV-Sync report.
type SyncResponse struct {
	SyncToken string
	Changed   []SyncItem
	Deleted   []string
}

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
	SyncToken string     `xml:"sync-token"`
}

type response struct {
	Href     string    `xml:"href"`
	PropStat *propstat `xml:"propstat"`
	Status   string    `xml:"status"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	GetETag      string `xml:"getetag"`
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

// SyncCollection runs an RFC 6578 sync-collection report from syncToken.
// A token the server no longer accepts yields calendar.ErrStaleCursor.
func (s *session) SyncCollection(ctx context.Context, calendarPath, syncToken string) (*SyncResponse, error) {
	reqBody := buildSyncCollectionRequest(syncToken)

	req, err := http.NewRequestWithContext(ctx, "REPORT", s.buildURL(calendarPath), strings.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(s.username, s.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", calendar.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", calendar.ErrTransient, err)
	}

	if resp.StatusCode != http.StatusMultiStatus {
		switch {
		case strings.Contains(string(body), "valid-sync-token"),
			resp.StatusCode == http.StatusForbidden,
			resp.StatusCode == http.StatusConflict,
			resp.StatusCode == http.StatusGone,
			resp.StatusCode == http.StatusNotImplemented:
			return nil, fmt.Errorf("%w: sync-collection returned %d", calendar.ErrStaleCursor, resp.StatusCode)
		}
		return nil, statusError(resp.StatusCode)
	}

	return parseSyncResponse(body)
}

func buildSyncCollectionRequest(syncToken string) string {
	var tokenElement string
	if syncToken != "" {
		tokenElement = fmt.Sprintf("<D:sync-token>%s</D:sync-token>", xmlEscape(syncToken))
	} else {
		tokenElement = "<D:sync-token/>"
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<D:sync-collection xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  %s
  <D:sync-level>1</D:sync-level>
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
</D:sync-collection>`, tokenElement)
}

func parseSyncResponse(body []byte) (*SyncResponse, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}

	result := &SyncResponse{SyncToken: strings.TrimSpace(ms.SyncToken)}
	for _, resp := range ms.Responses {
		href := hrefPath(resp.Href)
		if strings.Contains(resp.Status, "404") {
			result.Deleted = append(result.Deleted, href)
			continue
		}
		if resp.PropStat != nil && strings.Contains(resp.PropStat.Status, "200") {
			// The collection itself is reported without calendar data or
			// an object name.
			if !strings.HasSuffix(href, ".ics") && resp.PropStat.Prop.CalendarData == "" {
				continue
			}
			result.Changed = append(result.Changed, SyncItem{
				Path: href,
				ETag: resp.PropStat.Prop.GetETag,
				Data: resp.PropStat.Prop.CalendarData,
			})
		}
	}
	return result, nil
}

// hrefPath turns an href into the decoded path go-webdav reports for the
// same object.
func hrefPath(href string) string {
	href = strings.TrimSpace(href)
	if u, err := url.Parse(href); err == nil && u.Host != "" {
		href = u.EscapedPath()
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		return decoded
	}
	return href
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
