package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ktvcast/ktvcast/conf"
	"github.com/ktvcast/ktvcast/core/metrics"
	"github.com/ktvcast/ktvcast/log"
)

// AVTransport drives playback on a renderer over SOAP.
type AVTransport struct {
	client *http.Client
}

func NewAVTransport() *AVTransport {
	return &AVTransport{
		client: &http.Client{},
	}
}

// SetAVTransportURI sets the playback URI and its DIDL-Lite metadata.
func (a *AVTransport) SetAVTransportURI(ctx context.Context, r *Renderer, uri string, metadata string) error {
	action := setAVTransportURIAction{
		XmlnsU:             AVTransportURN,
		InstanceID:         0,
		CurrentURI:         uri,
		CurrentURIMetaData: metadata,
	}
	_, err := a.sendAction(ctx, r, "SetAVTransportURI", action)
	if err != nil {
		return fmt.Errorf("SetAVTransportURI failed: %w", err)
	}
	log.Debug(ctx, "Set transport URI", "renderer", r.FriendlyName, "uri", uri)
	return nil
}

// Play starts or resumes playback.
func (a *AVTransport) Play(ctx context.Context, r *Renderer) error {
	action := playAction{
		XmlnsU:     AVTransportURN,
		InstanceID: 0,
		Speed:      "1",
	}
	_, err := a.sendAction(ctx, r, "Play", action)
	if err != nil {
		return fmt.Errorf("Play failed: %w", err)
	}
	log.Debug(ctx, "Started playback", "renderer", r.FriendlyName)
	return nil
}

// Pause pauses playback.
func (a *AVTransport) Pause(ctx context.Context, r *Renderer) error {
	action := pauseAction{
		XmlnsU:     AVTransportURN,
		InstanceID: 0,
	}
	_, err := a.sendAction(ctx, r, "Pause", action)
	if err != nil {
		return fmt.Errorf("Pause failed: %w", err)
	}
	log.Debug(ctx, "Paused playback", "renderer", r.FriendlyName)
	return nil
}

// Stop stops playback. Valid from any transport state.
func (a *AVTransport) Stop(ctx context.Context, r *Renderer) error {
	action := stopAction{
		XmlnsU:     AVTransportURN,
		InstanceID: 0,
	}
	_, err := a.sendAction(ctx, r, "Stop", action)
	if err != nil {
		return fmt.Errorf("Stop failed: %w", err)
	}
	log.Debug(ctx, "Stopped playback", "renderer", r.FriendlyName)
	return nil
}

// GetPositionInfo reads the current playback position. The returned clock
// strings are the renderer's own; callers parse them with ParseClock.
func (a *AVTransport) GetPositionInfo(ctx context.Context, r *Renderer) (*PositionInfo, error) {
	action := getPositionInfoAction{
		XmlnsU:     AVTransportURN,
		InstanceID: 0,
	}
	respBody, err := a.sendAction(ctx, r, "GetPositionInfo", action)
	if err != nil {
		return nil, fmt.Errorf("GetPositionInfo failed: %w", err)
	}
	body := string(respBody)
	relTime, _ := extractXMLValue(body, "RelTime")
	duration, _ := extractXMLValue(body, "TrackDuration")
	trackURI, _ := extractXMLValue(body, "TrackURI")
	return &PositionInfo{
		TrackURI:      strings.TrimSpace(trackURI),
		RelTime:       strings.TrimSpace(relTime),
		TrackDuration: strings.TrimSpace(duration),
	}, nil
}

// GetTransportInfo reads the current transport state.
func (a *AVTransport) GetTransportInfo(ctx context.Context, r *Renderer) (*TransportInfo, error) {
	action := getTransportInfoAction{
		XmlnsU:     AVTransportURN,
		InstanceID: 0,
	}
	respBody, err := a.sendAction(ctx, r, "GetTransportInfo", action)
	if err != nil {
		return nil, fmt.Errorf("GetTransportInfo failed: %w", err)
	}
	state, _ := extractXMLValue(string(respBody), "CurrentTransportState")
	return &TransportInfo{State: strings.TrimSpace(state)}, nil
}

// sendAction posts a SOAP action to the renderer's control URL. Timeouts
// and 5xx answers are retransmitted once; a 404 or an InvalidAction/
// ActionFailed fault triggers a single retry against the compat control URL
// when one was synthesized at discovery time.
func (a *AVTransport) sendAction(ctx context.Context, r *Renderer, actionName string, action interface{}) ([]byte, error) {
	envelope := soapEnvelope{
		XmlnsS:        "http://schemas.xmlsoap.org/soap/envelope/",
		EncodingStyle: "http://schemas.xmlsoap.org/soap/encoding/",
		Body: soapBody{
			Content: action,
		},
	}
	body, err := xml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SOAP envelope: %w", err)
	}
	body = append([]byte(xml.Header), body...)

	respBody, err := a.postWithRetry(ctx, r.ControlURL, actionName, body)
	if err != nil && shouldTryCompat(err) && r.CompatControlURL != "" && r.CompatControlURL != r.ControlURL {
		log.Debug(ctx, "Retrying SOAP action on compat control URL", "action", actionName,
			"compatUrl", r.CompatControlURL, err)
		respBody, err = a.postWithRetry(ctx, r.CompatControlURL, actionName, body)
	}
	if err != nil {
		metrics.RecordSOAPCall(actionName, "error")
		return nil, err
	}
	metrics.RecordSOAPCall(actionName, "ok")
	return respBody, nil
}

// postWithRetry retransmits once on timeouts and 5xx statuses.
func (a *AVTransport) postWithRetry(ctx context.Context, controlURL, actionName string, body []byte) ([]byte, error) {
	respBody, err := a.post(ctx, controlURL, actionName, body)
	if err == nil {
		return respBody, nil
	}
	var statusErr *HTTPStatusError
	retriable := errors.Is(err, ErrNetworkTimeout) ||
		(errors.As(err, &statusErr) && statusErr.Code >= 500)
	if !retriable {
		return nil, err
	}
	log.Debug(ctx, "Retrying SOAP action", "action", actionName, "url", controlURL, err)
	return a.post(ctx, controlURL, actionName, body)
}

func (a *AVTransport) post(ctx context.Context, controlURL, actionName string, body []byte) ([]byte, error) {
	timeout := conf.Server.SOAPTimeout
	if timeout == 0 {
		timeout = 8 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", controlURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", AVTransportURN+"#"+actionName))
	req.Header.Set("Connection", "close")
	req.Close = true

	resp, err := a.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrNetworkTimeout
		}
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrNetworkTimeout
		}
		return nil, err
	}

	// Any 2xx counts as success; 204 in particular has no body.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	if upnpErr := parseSOAPFault(respBody); upnpErr != nil {
		log.Debug(ctx, "SOAP fault received", "action", actionName,
			"code", upnpErr.Code, "description", upnpErr.Description)
		return nil, upnpErr
	}
	return nil, &HTTPStatusError{Code: resp.StatusCode}
}

// shouldTryCompat reports whether the error is one of the signatures of a
// renderer serving the well-known control path instead of its advertised one.
func shouldTryCompat(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return true
	}
	var upnpErr *UPnPError
	if errors.As(err, &upnpErr) {
		return upnpErr.Code == UPnPErrorInvalidAction || upnpErr.Code == UPnPErrorActionFailed
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseSOAPFault attempts to extract a UPnP error from a fault response.
func parseSOAPFault(body []byte) *UPnPError {
	bodyStr := string(body)
	codeStr, ok := extractXMLValue(bodyStr, "errorCode")
	if !ok {
		return nil
	}
	code, err := strconv.Atoi(strings.TrimSpace(codeStr))
	if err != nil {
		return nil
	}

	description := upnpErrorDescription(code)
	if deviceDesc, ok := extractXMLValue(bodyStr, "errorDescription"); ok && strings.TrimSpace(deviceDesc) != "" {
		description = fmt.Sprintf("%s (%s)", description, strings.TrimSpace(deviceDesc))
	} else if faultString, ok := extractXMLValue(bodyStr, "faultstring"); ok && strings.TrimSpace(faultString) != "" {
		description = fmt.Sprintf("%s (%s)", description, strings.TrimSpace(faultString))
	}

	return &UPnPError{
		Code:        code,
		Description: description,
	}
}

// ParseClock parses a renderer clock value (HH:MM:SS, optionally with a
// fractional part). NOT_IMPLEMENTED and malformed values report false.
func ParseClock(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "NOT_IMPLEMENTED" {
		return 0, false
	}
	if dot := strings.IndexByte(s, '.'); dot != -1 {
		s = s[:dot]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err1 := strconv.Atoi(parts[0])
	minutes, err2 := strconv.Atoi(parts[1])
	seconds, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return time.Duration(hours*3600+minutes*60+seconds) * time.Second, true
}

// FormatClock renders a duration as HH:MM:SS.
func FormatClock(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// extractXMLValue scans a document for the first element with the given
// local name, ignoring namespace prefixes and attributes. Renderers emit
// enough malformed XML that a strict parser is a liability here.
func extractXMLValue(doc, name string) (string, bool) {
	i := 0
	for i < len(doc) {
		open := strings.IndexByte(doc[i:], '<')
		if open < 0 {
			return "", false
		}
		open += i
		end := strings.IndexByte(doc[open:], '>')
		if end < 0 {
			return "", false
		}
		end += open
		tag := doc[open+1 : end]
		if strings.HasPrefix(tag, "/") || strings.HasPrefix(tag, "?") || strings.HasPrefix(tag, "!") {
			i = end + 1
			continue
		}
		if sp := strings.IndexAny(tag, " \t\r\n/"); sp >= 0 {
			tag = tag[:sp]
		}
		local := tag
		if c := strings.LastIndex(local, ":"); c >= 0 {
			local = local[c+1:]
		}
		if local != name {
			i = end + 1
			continue
		}
		rest := doc[end+1:]
		for j := 0; j < len(rest); {
			ci := strings.Index(rest[j:], "</")
			if ci < 0 {
				break
			}
			ci += j
			ce := strings.IndexByte(rest[ci:], '>')
			if ce < 0 {
				break
			}
			closing := rest[ci+2 : ci+ce]
			if c := strings.LastIndex(closing, ":"); c >= 0 {
				closing = closing[c+1:]
			}
			if closing == name {
				return rest[:ci], true
			}
			j = ci + ce + 1
		}
		return "", false
	}
	return "", false
}
