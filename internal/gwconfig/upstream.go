// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gwconfig

import (
	"fmt"
)

// ResolveBaseURL returns the node's upstream base URL: its configured api_url for
// an external node, or http://host:port built from the first configured
// host for a local node. Local nodes with no hosts return an empty string;
// callers treat that as a configuration defect for the node, not a
// transport error.
func (n NodeConfig) ResolveBaseURL() string {
	if n.Kind == KindExternal {
		return n.BaseURL
	}
	if len(n.Hosts) == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", n.Hosts[0], n.Port)
}

// UpstreamHeaders returns the headers to attach to a request proxied to
// this node: its configured static headers, plus a Bearer Authorization
// header built from APIKey when one is configured and the caller hasn't
// already set Authorization itself (existing is the request's current
// header set, checked case-sensitively as the original gateway did).
func (n NodeConfig) UpstreamHeaders(existing map[string]string) map[string]string {
	headers := make(map[string]string, len(n.Headers)+1)
	for k, v := range n.Headers {
		headers[k] = v
	}
	if n.APIKey != "" {
		if _, set := existing["Authorization"]; !set {
			headers["Authorization"] = "Bearer " + n.APIKey
		}
	}
	return headers
}
