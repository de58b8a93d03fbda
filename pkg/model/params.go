package model

import (
	"fmt"

	"gpt2ref/pkg/tensor"
)

// Role identifies what a parameter tensor does inside the network.
type Role int

const (
	RoleTokenEmbedding    Role = iota // transformer.wte.weight (V, C)
	RolePositionEmbedding             // transformer.wpe.weight (maxT, C)
	RoleAttnQKVWeight                 // attn.c_attn.weight (3C, C)
	RoleAttnQKVBias                   // attn.c_attn.bias (3C)
	RoleAttnProjWeight                // attn.c_proj.weight (C, C)
	RoleAttnProjBias                  // attn.c_proj.bias (C)
	RoleMLPFCWeight                   // mlp.c_fc.weight (4C, C)
	RoleMLPFCBias                     // mlp.c_fc.bias (4C)
	RoleMLPProjWeight                 // mlp.c_proj.weight (C, 4C)
	RoleMLPProjBias                   // mlp.c_proj.bias (C)
	RoleLN1Weight                     // ln_1.weight (C)
	RoleLN1Bias                       // ln_1.bias (C)
	RoleLN2Weight                     // ln_2.weight (C)
	RoleLN2Bias                       // ln_2.bias (C)
	RoleFinalLNWeight                 // transformer.ln_f.weight (C)
	RoleFinalLNBias                   // transformer.ln_f.bias (C)
	RoleLMHead                        // lm_head.weight (V, C), tied to RoleTokenEmbedding
)

var roleSuffix = map[Role]string{
	RoleAttnQKVWeight:  "attn.c_attn.weight",
	RoleAttnQKVBias:    "attn.c_attn.bias",
	RoleAttnProjWeight: "attn.c_proj.weight",
	RoleAttnProjBias:   "attn.c_proj.bias",
	RoleMLPFCWeight:    "mlp.c_fc.weight",
	RoleMLPFCBias:      "mlp.c_fc.bias",
	RoleMLPProjWeight:  "mlp.c_proj.weight",
	RoleMLPProjBias:    "mlp.c_proj.bias",
	RoleLN1Weight:      "ln_1.weight",
	RoleLN1Bias:        "ln_1.bias",
	RoleLN2Weight:      "ln_2.weight",
	RoleLN2Bias:        "ln_2.bias",
}

// PerLayer reports whether the role exists once per transformer block.
func (r Role) PerLayer() bool {
	return r >= RoleAttnQKVWeight && r <= RoleLN2Bias
}

// IsNorm reports whether the role is a LayerNorm weight or bias.
func (r Role) IsNorm() bool {
	switch r {
	case RoleLN1Weight, RoleLN1Bias, RoleLN2Weight, RoleLN2Bias, RoleFinalLNWeight, RoleFinalLNBias:
		return true
	}
	return false
}

// IsResidualProjection reports whether the role projects back into the
// residual stream. These weights get a depth-scaled initialization.
func (r Role) IsResidualProjection() bool {
	return r == RoleAttnProjWeight || r == RoleMLPProjWeight
}

// ParamSpec describes one named parameter tensor.
type ParamSpec struct {
	Layer int // block index, -1 for global tensors
	Role  Role
	Shape []int
}

// Name returns the stable hierarchical name used by pretrained checkpoints.
func (s ParamSpec) Name() string {
	switch s.Role {
	case RoleTokenEmbedding:
		return "transformer.wte.weight"
	case RolePositionEmbedding:
		return "transformer.wpe.weight"
	case RoleFinalLNWeight:
		return "transformer.ln_f.weight"
	case RoleFinalLNBias:
		return "transformer.ln_f.bias"
	case RoleLMHead:
		return "lm_head.weight"
	}
	return fmt.Sprintf("transformer.h.%d.%s", s.Layer, roleSuffix[s.Role])
}

// Size returns the number of elements described by the spec.
func (s ParamSpec) Size() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// layerRoles lists per-block roles in checkpoint order.
var layerRoles = []Role{
	RoleAttnQKVWeight, RoleAttnQKVBias,
	RoleAttnProjWeight, RoleAttnProjBias,
	RoleMLPFCWeight, RoleMLPFCBias,
	RoleMLPProjWeight, RoleMLPProjBias,
	RoleLN1Weight, RoleLN1Bias,
	RoleLN2Weight, RoleLN2Bias,
}

func (c Config) roleShape(r Role) []int {
	C := c.EmbeddingDim
	switch r {
	case RoleTokenEmbedding, RoleLMHead:
		return []int{c.VocabSize, C}
	case RolePositionEmbedding:
		return []int{c.BlockSize, C}
	case RoleAttnQKVWeight:
		return []int{3 * C, C}
	case RoleAttnQKVBias:
		return []int{3 * C}
	case RoleAttnProjWeight:
		return []int{C, C}
	case RoleMLPFCWeight:
		return []int{4 * C, C}
	case RoleMLPFCBias:
		return []int{4 * C}
	case RoleMLPProjWeight:
		return []int{C, 4 * C}
	default:
		return []int{C}
	}
}

// Layout returns every distinct parameter in checkpoint order: the two
// embeddings, then each per-block role across all blocks (role-major), then
// the final norm. The tied lm_head alias is not part of the layout.
func Layout(c Config) []ParamSpec {
	specs := []ParamSpec{
		{Layer: -1, Role: RoleTokenEmbedding, Shape: c.roleShape(RoleTokenEmbedding)},
		{Layer: -1, Role: RolePositionEmbedding, Shape: c.roleShape(RolePositionEmbedding)},
	}
	for _, r := range layerRoles {
		for l := 0; l < c.NumLayers; l++ {
			specs = append(specs, ParamSpec{Layer: l, Role: r, Shape: c.roleShape(r)})
		}
	}
	specs = append(specs,
		ParamSpec{Layer: -1, Role: RoleFinalLNWeight, Shape: c.roleShape(RoleFinalLNWeight)},
		ParamSpec{Layer: -1, Role: RoleFinalLNBias, Shape: c.roleShape(RoleFinalLNBias)},
	)
	return specs
}

// LMHeadSpec describes the output projection, which shares storage with the
// token embedding.
func LMHeadSpec(c Config) ParamSpec {
	return ParamSpec{Layer: -1, Role: RoleLMHead, Shape: c.roleShape(RoleLMHead)}
}

type paramKey struct {
	layer int
	role  Role
}

// Params is the parameter store of a model. It owns one tensor.Param per
// layout entry; lm_head.weight resolves to the token embedding's Param, so
// the tie holds by construction for values and gradients alike.
type Params struct {
	specs  []ParamSpec
	list   []*tensor.Param
	byKey  map[paramKey]*tensor.Param
	byName map[string]*tensor.Param
	shapes map[string][]int
}

// NewParams allocates zero-valued parameters for cfg.
func NewParams(cfg Config) *Params {
	p := &Params{
		specs:  Layout(cfg),
		byKey:  make(map[paramKey]*tensor.Param),
		byName: make(map[string]*tensor.Param),
		shapes: make(map[string][]int),
	}
	for _, s := range p.specs {
		param := tensor.NewParam(s.Shape...)
		p.list = append(p.list, param)
		p.byKey[paramKey{s.Layer, s.Role}] = param
		p.byName[s.Name()] = param
		p.shapes[s.Name()] = s.Shape
	}

	head := LMHeadSpec(cfg)
	wte := p.byKey[paramKey{-1, RoleTokenEmbedding}]
	p.byKey[paramKey{-1, RoleLMHead}] = wte
	p.byName[head.Name()] = wte
	p.shapes[head.Name()] = head.Shape
	return p
}

// Get returns the parameter for a role; layer is ignored for global roles.
func (p *Params) Get(layer int, role Role) *tensor.Param {
	if !role.PerLayer() {
		layer = -1
	}
	param, ok := p.byKey[paramKey{layer, role}]
	if !ok {
		panic(fmt.Sprintf("no parameter for layer %d role %d", layer, role))
	}
	return param
}

// Lookup returns the parameter registered under a hierarchical name,
// including the lm_head.weight alias.
func (p *Params) Lookup(name string) (*tensor.Param, bool) {
	param, ok := p.byName[name]
	return param, ok
}

// Shape returns the declared shape for a name.
func (p *Params) Shape(name string) ([]int, bool) {
	s, ok := p.shapes[name]
	return s, ok
}

// Names returns every parameter name the model exposes, aliases included.
func (p *Params) Names() []string {
	names := make([]string, 0, len(p.byName))
	for n := range p.byName {
		names = append(names, n)
	}
	return names
}

// Specs returns the layout in checkpoint order.
func (p *Params) Specs() []ParamSpec {
	return p.specs
}

// List returns the distinct parameters in checkpoint order. The tied
// embedding appears once.
func (p *Params) List() []*tensor.Param {
	return p.list
}

// NumParameters returns the number of distinct scalar parameters.
func (p *Params) NumParameters() int {
	n := 0
	for _, param := range p.list {
		n += param.Size()
	}
	return n
}

// ZeroGrad clears every gradient.
func (p *Params) ZeroGrad() {
	for _, param := range p.list {
		param.ZeroGrad()
	}
}
