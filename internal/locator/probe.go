package locator

import (
	"context"
	"fmt"
	"net/http"

	"resty.dev/v3"
)

// fetchStreamMagicSystem queries the StreamMagic system endpoint a Cambridge
// Audio device exposes on port 80. Non-StreamMagic hosts fail the request or
// return a body that does not parse.
func fetchStreamMagicSystem(ctx context.Context, httpClient *http.Client, hostname string) (streamMagicSystemDoc, error) {
	client := resty.NewWithClient(httpClient)
	defer client.Close()

	var doc streamMagicSystemDoc

	res, err := client.R().
		SetContext(ctx).
		SetResult(&doc).
		Get(fmt.Sprintf("http://%s:80/smoip/system/upnp", hostname))
	if err != nil {
		return streamMagicSystemDoc{}, err
	}
	if res.IsError() {
		return streamMagicSystemDoc{}, fmt.Errorf("streammagic probe: %s", res.Status())
	}
	if len(doc.Data.Devices) == 0 {
		return streamMagicSystemDoc{}, fmt.Errorf("host %s did not report any UPnP devices", hostname)
	}

	return doc, nil
}
