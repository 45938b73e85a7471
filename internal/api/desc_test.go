package api

import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"testing"
)

var (
	protoPackage = regexp.MustCompile(`(?m)^package\s+([\w.]+);`)
	protoService = regexp.MustCompile(`(?m)^service\s+(\w+)\s*\{`)
	protoRPC     = regexp.MustCompile(`rpc\s+(\w+)\(google\.protobuf\.Struct\)\s+returns\s+\((stream\s+)?google\.protobuf\.Struct\)`)
)

// The hand-declared descriptor must serve exactly what engine.proto declares.
func TestServiceDescMatchesProto(t *testing.T) {
	path := filepath.Join("..", "..", "proto", filepath.FromSlash(serviceDesc.Metadata.(string)))
	src, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	pkg := protoPackage.FindSubmatch(src)
	svc := protoService.FindSubmatch(src)
	if pkg == nil || svc == nil {
		t.Fatal("engine.proto has no package or service")
	}
	if got := string(pkg[1]) + "." + string(svc[1]); got != ServiceName {
		t.Errorf("proto service = %s, want %s", got, ServiceName)
	}

	var unary, streams []string
	for _, m := range protoRPC.FindAllSubmatch(src, -1) {
		if len(m[2]) > 0 {
			streams = append(streams, string(m[1]))
		} else {
			unary = append(unary, string(m[1]))
		}
	}

	var descUnary, descStreams []string
	for _, m := range serviceDesc.Methods {
		descUnary = append(descUnary, m.MethodName)
	}
	for _, s := range serviceDesc.Streams {
		if !s.ServerStreams || s.ClientStreams {
			t.Errorf("%s: only server streams are declared", s.StreamName)
		}
		descStreams = append(descStreams, s.StreamName)
	}

	if !slices.Equal(unary, descUnary) {
		t.Errorf("unary methods:\nproto %v\ndesc  %v", unary, descUnary)
	}
	if !slices.Equal(streams, descStreams) {
		t.Errorf("streams: proto %v, desc %v", streams, descStreams)
	}
}
