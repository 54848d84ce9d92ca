package framegraph

import (
	"fmt"
	"strings"

	"github.com/gogpu/naga"

	"github.com/gogpu/framegraph/internal/cache"
)

// BindingClass classifies a shader resource binding.
type BindingClass uint8

// Binding classes.
const (
	BindingUniform BindingClass = iota
	BindingStorageRead
	BindingStorageReadWrite
	BindingTexture
	BindingStorageTexture
	BindingSampler
)

// String returns the class name.
func (c BindingClass) String() string {
	switch c {
	case BindingUniform:
		return "Uniform"
	case BindingStorageRead:
		return "StorageRead"
	case BindingStorageReadWrite:
		return "StorageReadWrite"
	case BindingTexture:
		return "Texture"
	case BindingStorageTexture:
		return "StorageTexture"
	case BindingSampler:
		return "Sampler"
	default:
		return "Unknown"
	}
}

// ShaderBinding is one resource binding declared by a shader.
type ShaderBinding struct {
	Group   uint32
	Binding uint32
	Name    string
	Class   BindingClass
}

// ShaderEntryPoint is one entry function declared by a shader.
type ShaderEntryPoint struct {
	Name  string
	Stage StageFlags

	// WorkgroupSize is the compute dispatch group size; zero for
	// vertex and fragment entry points.
	WorkgroupSize [3]uint32
}

// PipelineReflection is the compiled form of a shader together with the
// binding metadata recorded passes match their usage declarations
// against.
type PipelineReflection struct {
	// SPIRV is the compiled module as little-endian 32-bit words.
	SPIRV []uint32

	Bindings    []ShaderBinding
	EntryPoints []ShaderEntryPoint
}

// EntryPoint returns the entry point with the given name.
func (r *PipelineReflection) EntryPoint(name string) (ShaderEntryPoint, bool) {
	for _, ep := range r.EntryPoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return ShaderEntryPoint{}, false
}

// PipelineCache memoizes shader compilation and reflection keyed by
// source text. Lookups are safe from concurrently recording passes; a
// missing entry compiles exactly once.
type PipelineCache struct {
	entries *cache.Sharded[string, *PipelineReflection]
}

func newPipelineCache() *PipelineCache {
	return &PipelineCache{
		entries: cache.NewSharded[string, *PipelineReflection](0, cache.StringHasher),
	}
}

// Reflect returns the reflection for a WGSL source, compiling it on
// first request.
func (c *PipelineCache) Reflect(source string) (*PipelineReflection, error) {
	return c.entries.GetOrCreate(source, func() (*PipelineReflection, error) {
		return compileReflection(source)
	})
}

// Stats snapshots the cache counters.
func (c *PipelineCache) Stats() cache.Stats { return c.entries.Stats() }

// compileReflection compiles WGSL to SPIR-V words and scans the source
// for binding and entry point declarations.
func compileReflection(source string) (*PipelineReflection, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: compile shader: %s", ErrValidation, err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("%w: compiler produced %d bytes, not a word multiple", ErrBackendFailure, len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	bindings, entries := scanShaderSource(source)
	return &PipelineReflection{
		SPIRV:       words,
		Bindings:    bindings,
		EntryPoints: entries,
	}, nil
}

// scanShaderSource extracts binding and entry point declarations from
// WGSL source that naga already validated. Attributes may sit on the
// line above their declaration, so attribute state carries across
// lines until a var or fn consumes it.
func scanShaderSource(source string) ([]ShaderBinding, []ShaderEntryPoint) {
	var bindings []ShaderBinding
	var entries []ShaderEntryPoint

	var group, binding int64 = -1, -1
	stage := StageNone
	var workgroup [3]uint32

	for _, line := range strings.Split(source, "\n") {
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}

		if v, ok := attrValue(line, "@group("); ok {
			group = v
		}
		if v, ok := attrValue(line, "@binding("); ok {
			binding = v
		}
		if strings.Contains(line, "@compute") {
			stage = StageCompute
		}
		if strings.Contains(line, "@vertex") {
			stage = StageVertex
		}
		if strings.Contains(line, "@fragment") {
			stage = StageFragment
		}
		if i := strings.Index(line, "@workgroup_size("); i >= 0 {
			workgroup = workgroupSize(line[i+len("@workgroup_size("):])
		}

		if stage != StageNone {
			if name, ok := fnName(line); ok {
				ep := ShaderEntryPoint{Name: name, Stage: stage}
				if stage == StageCompute {
					ep.WorkgroupSize = workgroup
				}
				entries = append(entries, ep)
				stage = StageNone
				workgroup = [3]uint32{}
			}
		}

		if group >= 0 && binding >= 0 {
			if name, class, ok := varDecl(line); ok {
				bindings = append(bindings, ShaderBinding{
					Group:   uint32(group),
					Binding: uint32(binding),
					Name:    name,
					Class:   class,
				})
				group, binding = -1, -1
			}
		}
	}
	return bindings, entries
}

// attrValue parses the integer argument of an attribute like
// "@group(2)".
func attrValue(line, attr string) (int64, bool) {
	i := strings.Index(line, attr)
	if i < 0 {
		return 0, false
	}
	rest := line[i+len(attr):]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return 0, false
	}
	var v int64
	for _, c := range strings.TrimSpace(rest[:end]) {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int64(c-'0')
	}
	return v, true
}

// workgroupSize parses up to three comma-separated dimensions; missing
// dimensions default to one.
func workgroupSize(rest string) [3]uint32 {
	size := [3]uint32{1, 1, 1}
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return size
	}
	for i, part := range strings.Split(rest[:end], ",") {
		if i >= 3 {
			break
		}
		var v uint32
		for _, c := range strings.TrimSpace(part) {
			if c < '0' || c > '9' {
				v = 0
				break
			}
			v = v*10 + uint32(c-'0')
		}
		if v > 0 {
			size[i] = v
		}
	}
	return size
}

// fnName returns the identifier of a "fn name(" declaration.
func fnName(line string) (string, bool) {
	i := strings.Index(line, "fn ")
	if i < 0 {
		return "", false
	}
	rest := strings.TrimSpace(line[i+3:])
	end := strings.IndexByte(rest, '(')
	if end <= 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// varDecl parses a module-scope "var" declaration, returning the
// variable name and its binding class.
func varDecl(line string) (string, BindingClass, bool) {
	i := strings.Index(line, "var")
	if i < 0 {
		return "", 0, false
	}
	rest := line[i+3:]

	class := BindingTexture
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", 0, false
		}
		spec := strings.ReplaceAll(rest[1:end], " ", "")
		switch {
		case spec == "uniform":
			class = BindingUniform
		case strings.HasPrefix(spec, "storage"):
			if strings.Contains(spec, "read_write") {
				class = BindingStorageReadWrite
			} else {
				class = BindingStorageRead
			}
		}
		rest = rest[end+1:]
	}

	colon := strings.IndexByte(rest, ':')
	if colon <= 0 {
		return "", 0, false
	}
	name := strings.TrimSpace(rest[:colon])
	if name == "" || strings.ContainsAny(name, " \t(") {
		return "", 0, false
	}

	if class == BindingTexture {
		typ := strings.TrimSpace(rest[colon+1:])
		switch {
		case strings.HasPrefix(typ, "sampler"):
			class = BindingSampler
		case strings.HasPrefix(typ, "texture_storage"):
			class = BindingStorageTexture
		}
	}
	return name, class, true
}
