package profile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/astrolabe-oss/astrolabe/graph"
)

// ParseResponse parses a profile command's raw output into transports.
// It expects a header line naming the columns (whitespace-separated) followed
// by one data line per discovered child; the first line is consumed as the
// header and never itself treated as data.
func ParseResponse(response, hostAddress string, s Strategy) ([]graph.NodeTransport, error) {
	lines := strings.Split(response, "\n")
	// drop trailing blank lines
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < 2 {
		return nil, nil
	}
	header := lines[0]
	dataLines := lines[1:]

	transports := make([]graph.NodeTransport, 0, len(dataLines))
	for _, line := range dataLines {
		nt, err := parseResponseLine(header, line, s)
		if err != nil {
			return nil, err
		}
		transports = append(transports, nt)
	}
	return transports, nil
}

func parseResponseLine(headerLine, dataLine string, s Strategy) (graph.NodeTransport, error) {
	labels := strings.Fields(headerLine)
	values := strings.Fields(dataLine)

	fields := map[string]string{}
	for i := 0; i < len(labels) && i < len(values); i++ {
		label, value := labels[i], values[i]
		if label == "address" && value == "null" {
			continue
		}
		fields[label] = value
	}

	if _, ok := fields["mux"]; !ok {
		return graph.NodeTransport{}, fmt.Errorf("profile: protocol_mux missing from profile strategy results: %v", fields)
	}

	metadata := map[string]string{}
	if raw, ok := fields["metadata"]; ok {
		for _, pair := range strings.Split(raw, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) == 2 {
				metadata[kv[0]] = kv[1]
			}
		}
	}

	var numConnections *int
	if raw, ok := fields["conns"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return graph.NodeTransport{}, fmt.Errorf("profile: conns field not an integer: %w", err)
		}
		numConnections = &n
	}

	info, err := s.ChildProvider.Determine(fields["mux"], fields["address"])
	if err != nil {
		return graph.NodeTransport{}, err
	}

	return graph.NodeTransport{
		ProfileStrategyName: s.Name,
		Provider:            info.Provider,
		FromHint:            s.FromHint(),
		Protocol:            s.Protocol,
		ProtocolMux:         fields["mux"],
		Address:             fields["address"],
		DebugIdentifier:     fields["id"],
		NumConnections:      numConnections,
		Metadata:            metadata,
		NodeType:            info.NodeType,
	}, nil
}
