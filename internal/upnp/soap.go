package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/vibinhq/vibin/internal/device"
)

// SOAPClient invokes UPnP actions against a single service control endpoint.
type SOAPClient struct {
	http        *http.Client
	role        device.Role
	controlURL  string
	serviceType string
}

// NewSOAPClient creates a client for one service endpoint. The role is used
// only for error attribution.
func NewSOAPClient(httpClient *http.Client, role device.Role, endpoint device.ServiceEndpoint) *SOAPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SOAPClient{
		http:        httpClient,
		role:        role,
		controlURL:  endpoint.ControlURL,
		serviceType: endpoint.ServiceType,
	}
}

type soapFault struct {
	FaultCode   string `xml:"Body>Fault>faultcode"`
	FaultString string `xml:"Body>Fault>faultstring"`
	ErrorCode   string `xml:"Body>Fault>detail>UPnPError>errorCode"`
	ErrorDesc   string `xml:"Body>Fault>detail>UPnPError>errorDescription"`
}

// Call invokes a SOAP action and returns the raw response body. Transport
// failures wrap ErrDeviceUnreachable; device faults wrap ErrDeviceRejected.
func (c *SOAPClient) Call(ctx context.Context, action string, args map[string]string) ([]byte, error) {
	envelope := buildEnvelope(action, c.serviceType, args)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.controlURL, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, c.serviceType, action))
	req.Close = true

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", c.role, action, device.ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s response: %w", c.role, action, err)
	}

	if resp.StatusCode >= 400 {
		var fault soapFault
		rejected := &device.RejectedError{Role: c.role, Action: action, Detail: resp.Status}
		if xml.Unmarshal(body, &fault) == nil {
			if fault.ErrorCode != "" {
				rejected.Code = fault.ErrorCode
				rejected.Detail = fault.ErrorDesc
			} else if fault.FaultString != "" {
				rejected.Code = fault.FaultCode
				rejected.Detail = fault.FaultString
			}
		}
		return nil, rejected
	}

	return body, nil
}

func buildEnvelope(action, serviceType string, args map[string]string) []byte {
	// Deterministic argument order keeps request bodies stable for tests.
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString(`<s:Body><u:` + action + ` xmlns:u="` + serviceType + `">`)
	for _, k := range keys {
		buf.WriteString("<" + k + ">" + escapeXML(args[k]) + "</" + k + ">")
	}
	buf.WriteString(`</u:` + action + `></s:Body></s:Envelope>`)
	return buf.Bytes()
}

var xmlEscaper = strings.NewReplacer(
	`&`, "&amp;",
	`<`, "&lt;",
	`>`, "&gt;",
	`"`, "&quot;",
	`'`, "&apos;",
)

func escapeXML(s string) string { return xmlEscaper.Replace(s) }
