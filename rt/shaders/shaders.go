package shaders

import (
	_ "embed"
)

//go:embed pathtrace.wgsl
var PathTraceWGSL string

//go:embed blit.wgsl
var BlitWGSL string
