package device

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// CPUBackend is the host implementation backed by gonum BLAS. With cgo
// enabled, blas_cgo.go swaps in the system BLAS via netlib.
type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(batch, steps, features int, data []float32) Tensor {
	size := batch * steps * features
	t := &CPUTensor{
		backend:  b,
		batch:    batch,
		steps:    steps,
		features: features,
		data:     make([]float32, size),
	}
	if data != nil {
		if len(data) != size {
			panic("device: NewTensor data length does not match dimensions")
		}
		copy(t.data, data)
	}
	return t
}

func (b *CPUBackend) GetTensor(batch, steps, features int) Tensor {
	ct, ok := b.pool.Get().(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.batch = batch
	ct.steps = steps
	ct.features = features
	size := batch * steps * features
	if cap(ct.data) < size {
		poolMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		poolHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // don't pool foreign tensors
	}
	ct.batch, ct.steps, ct.features = 0, 0, 0
	b.pool.Put(ct)
}

func (b *CPUBackend) MatMul(x, w Tensor) Tensor {
	xb, xt, xf := x.Dims()
	wb, wf, wo := w.Dims()
	if wb != 1 || wf != xf {
		panic("device: MatMul weight shape mismatch")
	}

	out := b.GetTensor(xb, xt, wo)

	// Flatten (batch, steps) into rows: a single SGEMM covers the whole batch.
	rows := xb * xt
	a := blas32.General{Rows: rows, Cols: xf, Stride: xf, Data: x.Data()}
	bw := blas32.General{Rows: wf, Cols: wo, Stride: wo, Data: w.Data()}
	c := blas32.General{Rows: rows, Cols: wo, Stride: wo, Data: out.Data()}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, bw, 0, c)

	return out
}

func (b *CPUBackend) Lookup(table Tensor, ids [][]int32) Tensor {
	tb, vocab, features := table.Dims()
	if tb != 1 {
		panic("device: Lookup table must have batch size 1")
	}
	batch := len(ids)
	steps := len(ids[0])

	out := b.GetTensor(batch, steps, features)
	src := table.Data()
	dst := out.Data()
	for bi := 0; bi < batch; bi++ {
		for t := 0; t < steps; t++ {
			id := ids[bi][t]
			if id < 0 {
				continue // zero row
			}
			if int(id) >= vocab {
				panic("device: Lookup id out of range")
			}
			row := src[int(id)*features : (int(id)+1)*features]
			copy(dst[(bi*steps+t)*features:], row)
		}
	}
	return out
}

func (b *CPUBackend) ConcatSteps(x, y Tensor) Tensor {
	xb, xt, xf := x.Dims()
	yb, yt, yf := y.Dims()
	if xb != yb || xf != yf {
		panic("device: ConcatSteps shape mismatch")
	}

	out := b.GetTensor(xb, xt+yt, xf)
	dst := out.Data()
	xd, yd := x.Data(), y.Data()
	for bi := 0; bi < xb; bi++ {
		copy(dst[bi*(xt+yt)*xf:], xd[bi*xt*xf:(bi+1)*xt*xf])
		copy(dst[(bi*(xt+yt)+xt)*xf:], yd[bi*yt*xf:(bi+1)*yt*xf])
	}
	return out
}

func (b *CPUBackend) SliceSteps(x Tensor, lo, hi int) Tensor {
	xb, xt, xf := x.Dims()
	if lo < 0 || hi > xt || lo > hi {
		panic("device: SliceSteps range out of bounds")
	}

	out := b.GetTensor(xb, hi-lo, xf)
	dst := out.Data()
	src := x.Data()
	n := hi - lo
	for bi := 0; bi < xb; bi++ {
		copy(dst[bi*n*xf:], src[(bi*xt+lo)*xf:(bi*xt+hi)*xf])
	}
	return out
}

func (b *CPUBackend) Attention(q, k, v Tensor, heads int, scale float32, causal bool, qOff, kOff int) Tensor {
	qb, qt, dim := q.Dims()
	kb, kt, kf := k.Dims()
	vb, vt, vf := v.Dims()
	if kb != qb || vb != qb || kf != dim || vf != dim || vt != kt {
		panic("device: Attention shape mismatch")
	}
	if dim%heads != 0 {
		panic("device: Attention dim not divisible by heads")
	}
	hd := dim / heads

	out := b.GetTensor(qb, qt, dim)
	qd, kd, vd, od := q.Data(), k.Data(), v.Data(), out.Data()
	scores := make([]float32, kt)

	for bi := 0; bi < qb; bi++ {
		for h := 0; h < heads; h++ {
			fo := h * hd
			for ti := 0; ti < qt; ti++ {
				qrow := qd[(bi*qt+ti)*dim+fo : (bi*qt+ti)*dim+fo+hd]
				qv := blas32.Vector{N: hd, Inc: 1, Data: qrow}

				// scaled dot-product scores with causal mask
				maxScore := float32(math.Inf(-1))
				for si := 0; si < kt; si++ {
					if causal && kOff+si > qOff+ti {
						scores[si] = float32(math.Inf(-1))
						continue
					}
					krow := kd[(bi*kt+si)*dim+fo : (bi*kt+si)*dim+fo+hd]
					s := blas32.Dot(qv, blas32.Vector{N: hd, Inc: 1, Data: krow}) * scale
					scores[si] = s
					if s > maxScore {
						maxScore = s
					}
				}

				// softmax over the visible keys
				var sum float32
				for si := 0; si < kt; si++ {
					if math.IsInf(float64(scores[si]), -1) {
						scores[si] = 0
						continue
					}
					scores[si] = float32(math.Exp(float64(scores[si] - maxScore)))
					sum += scores[si]
				}
				if sum == 0 {
					continue
				}
				inv := 1 / sum

				orow := od[(bi*qt+ti)*dim+fo : (bi*qt+ti)*dim+fo+hd]
				for si := 0; si < kt; si++ {
					w := scores[si] * inv
					if w == 0 {
						continue
					}
					vrow := vd[(bi*kt+si)*dim+fo : (bi*kt+si)*dim+fo+hd]
					blas32.Axpy(w, blas32.Vector{N: hd, Inc: 1, Data: vrow}, blas32.Vector{N: hd, Inc: 1, Data: orow})
				}
			}
		}
	}
	return out
}

// CPUTensor is a host-resident row-major tensor.
type CPUTensor struct {
	backend  *CPUBackend
	data     []float32
	batch    int
	steps    int
	features int
}

func (t *CPUTensor) Dims() (int, int, int) {
	return t.batch, t.steps, t.features
}

func (t *CPUTensor) At(b, s, f int) float32 {
	return t.data[(b*t.steps+s)*t.features+f]
}

func (t *CPUTensor) Set(b, s, f int, v float32) {
	t.data[(b*t.steps+s)*t.features+f] = v
}

func (t *CPUTensor) Data() []float32 {
	return t.data
}

func (t *CPUTensor) CopyFrom(data []float32) {
	if len(data) != len(t.data) {
		panic("device: CopyFrom length mismatch")
	}
	copy(t.data, data)
}

func (t *CPUTensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

func (t *CPUTensor) Add(other Tensor) {
	od := other.Data()
	if len(od) != len(t.data) {
		panic("device: Add shape mismatch")
	}
	blas32.Axpy(1, blas32.Vector{N: len(od), Inc: 1, Data: od}, blas32.Vector{N: len(t.data), Inc: 1, Data: t.data})
}

func (t *CPUTensor) Scale(v float32) {
	blas32.Scal(v, blas32.Vector{N: len(t.data), Inc: 1, Data: t.data})
}

func (t *CPUTensor) Softmax() {
	n := t.features
	for row := 0; row < t.batch*t.steps; row++ {
		seg := t.data[row*n : (row+1)*n]
		maxv := float32(math.Inf(-1))
		for _, x := range seg {
			if x > maxv {
				maxv = x
			}
		}
		var sum float32
		for i, x := range seg {
			e := float32(math.Exp(float64(x - maxv)))
			seg[i] = e
			sum += e
		}
		if sum == 0 {
			continue
		}
		inv := 1 / sum
		for i := range seg {
			seg[i] *= inv
		}
	}
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	n := t.features
	gd, bd := gamma.Data(), beta.Data()
	for row := 0; row < t.batch*t.steps; row++ {
		seg := t.data[row*n : (row+1)*n]
		var mean float32
		for _, x := range seg {
			mean += x
		}
		mean /= float32(n)
		var varsum float32
		for _, x := range seg {
			d := x - mean
			varsum += d * d
		}
		inv := 1 / float32(math.Sqrt(float64(varsum/float32(n)+eps)))
		for i, x := range seg {
			seg[i] = (x-mean)*inv*gd[i] + bd[i]
		}
	}
}

func (t *CPUTensor) ApplyRoPE(positions []int, numHeads int) {
	if len(positions) != t.steps {
		panic("device: ApplyRoPE positions length mismatch")
	}
	hd := t.features / numHeads
	if hd%2 != 0 {
		panic("device: ApplyRoPE head dim must be even")
	}
	for bi := 0; bi < t.batch; bi++ {
		for s := 0; s < t.steps; s++ {
			pos := float64(positions[s])
			row := t.data[(bi*t.steps+s)*t.features : (bi*t.steps+s+1)*t.features]
			for h := 0; h < numHeads; h++ {
				seg := row[h*hd : (h+1)*hd]
				for i := 0; i < hd; i += 2 {
					theta := pos * math.Pow(10000, -float64(i)/float64(hd))
					sin, cos := math.Sincos(theta)
					x0, x1 := seg[i], seg[i+1]
					seg[i] = x0*float32(cos) - x1*float32(sin)
					seg[i+1] = x0*float32(sin) + x1*float32(cos)
				}
			}
		}
	}
}
