// Package model fits and applies per-(target, hub) ridge regressors. A
// trained model is stored as a JSON artifact named {target}_{hub}.json.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"bagforecast/internal/dataset"
	"bagforecast/internal/domain"
	"bagforecast/internal/schema"
)

var (
	// ErrNotFound is returned by Load when no artifact exists for a
	// (target, hub) pair.
	ErrNotFound = errors.New("model artifact not found")
	// ErrInsufficientData is returned by Train when too few labelled rows
	// are available.
	ErrInsufficientData = errors.New("insufficient training rows")
)

// Model is a linear regressor over standardized features.
type Model struct {
	Target       string    `json:"target"`
	HubID        int64     `json:"hub_id"`
	Features     []string  `json:"features"`
	Means        []float64 `json:"means"`
	Scales       []float64 `json:"scales"`
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
	Ridge        float64   `json:"ridge"`

	TrainRows int       `json:"train_rows"`
	TestRows  int       `json:"test_rows"`
	TestRMSE  float64   `json:"test_rmse"`
	TrainedAt time.Time `json:"trained_at"`
}

// Options control training.
type Options struct {
	Ridge        float64
	TestFraction float64
	Seed         int64
	MinRows      int
}

// Evaluation compares the model against the forecasts already stored with
// the orders on the hold-out rows.
type Evaluation struct {
	TestRMSE     float64
	BaselineRMSE float64 // NaN when no stored forecasts are available
	BaselineRows int
}

// Train fits a model for target on the orders of one hub. Orders without an
// observed value for the target are skipped. The rows are shuffled with
// opts.Seed and split into a training and a hold-out set.
func Train(orders []domain.Order, target string, hubID int64, features []string, opts Options) (*Model, Evaluation, error) {
	actual := schema.ActualColumn(target)
	var labelled []domain.Order
	for _, o := range orders {
		if _, ok := o.Value(actual); ok {
			labelled = append(labelled, o)
		}
	}
	if len(labelled) < max(opts.MinRows, 2) {
		return nil, Evaluation{}, fmt.Errorf("%w: target %s hub %d has %d rows", ErrInsufficientData, target, hubID, len(labelled))
	}

	train, test := split(labelled, opts.TestFraction, opts.Seed)

	X := make([][]float64, len(train))
	y := make([]float64, len(train))
	for i, o := range train {
		X[i] = dataset.FeatureVector(o, features)
		y[i], _ = o.Value(actual)
	}

	m, err := fit(X, y, opts.Ridge)
	if err != nil {
		return nil, Evaluation{}, fmt.Errorf("fitting %s hub %d: %w", target, hubID, err)
	}
	m.Target = target
	m.HubID = hubID
	m.Features = append([]string(nil), features...)
	m.TrainRows = len(train)
	m.TestRows = len(test)
	m.TrainedAt = time.Now().UTC()

	eval := m.evaluate(test)
	m.TestRMSE = eval.TestRMSE
	return m, eval, nil
}

// split shuffles orders deterministically and returns the training and
// hold-out sets. Both sets are non-empty when len(orders) >= 2.
func split(orders []domain.Order, testFraction float64, seed int64) (train, test []domain.Order) {
	shuffled := append([]domain.Order(nil), orders...)
	r := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	nTest := int(math.Ceil(float64(len(shuffled)) * testFraction))
	nTest = min(max(nTest, 1), len(shuffled)-1)
	return shuffled[nTest:], shuffled[:nTest]
}

// fit solves the ridge normal equations (ZᵀZ + λI)β = Zᵀ(y - ȳ) on the
// standardized design matrix Z.
func fit(X [][]float64, y []float64, ridge float64) (*Model, error) {
	n := len(X)
	p := len(X[0])
	if ridge <= 0 {
		ridge = 1e-6
	}

	means := make([]float64, p)
	scales := make([]float64, p)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		means[j], scales[j] = stat.MeanStdDev(col, nil)
		if scales[j] == 0 || math.IsNaN(scales[j]) {
			scales[j] = 1
		}
	}

	Z := mat.NewDense(n, p, nil)
	for i, row := range X {
		for j, v := range row {
			Z.Set(i, j, (v-means[j])/scales[j])
		}
	}
	yMean := stat.Mean(y, nil)
	yc := make([]float64, n)
	for i, v := range y {
		yc[i] = v - yMean
	}

	var A mat.Dense
	A.Mul(Z.T(), Z)
	for j := 0; j < p; j++ {
		A.Set(j, j, A.At(j, j)+ridge)
	}
	var b mat.VecDense
	b.MulVec(Z.T(), mat.NewVecDense(n, yc))

	var beta mat.VecDense
	if err := beta.SolveVec(&A, &b); err != nil {
		return nil, fmt.Errorf("solving normal equations: %w", err)
	}

	coef := make([]float64, p)
	for j := range coef {
		coef[j] = beta.AtVec(j)
	}
	return &Model{
		Means:        means,
		Scales:       scales,
		Intercept:    yMean,
		Coefficients: coef,
		Ridge:        ridge,
	}, nil
}

// Predict returns the model output for one feature vector.
func (m *Model) Predict(x []float64) float64 {
	z := make([]float64, len(m.Coefficients))
	for j := range z {
		z[j] = (x[j] - m.Means[j]) / m.Scales[j]
	}
	return m.Intercept + floats.Dot(z, m.Coefficients)
}

// PredictOrder predicts the target of o. Null features count as 0.
func (m *Model) PredictOrder(o domain.Order) float64 {
	return m.Predict(dataset.FeatureVector(o, m.Features))
}

// evaluate computes the hold-out RMSE of m and of the stored forecasts.
func (m *Model) evaluate(test []domain.Order) Evaluation {
	actual := schema.ActualColumn(m.Target)
	forecast := schema.ForecastColumn(m.Target)

	var want, got, baseWant, baseGot []float64
	for _, o := range test {
		y, _ := o.Value(actual)
		want = append(want, y)
		got = append(got, math.Round(m.PredictOrder(o)))
		if f, ok := o.Value(forecast); ok {
			baseWant = append(baseWant, y)
			baseGot = append(baseGot, f)
		}
	}

	ev := Evaluation{TestRMSE: rmse(want, got), BaselineRMSE: math.NaN(), BaselineRows: len(baseWant)}
	if len(baseWant) > 0 {
		ev.BaselineRMSE = rmse(baseWant, baseGot)
	}
	return ev
}

func rmse(want, got []float64) float64 {
	if len(want) == 0 {
		return math.NaN()
	}
	return floats.Distance(want, got, 2) / math.Sqrt(float64(len(want)))
}

// ArtifactPath returns the artifact file of a (target, hub) pair in dir.
func ArtifactPath(dir, target string, hubID int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.json", target, hubID))
}

// Save writes m to its artifact path in dir.
func (m *Model) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating model dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding model: %w", err)
	}
	path := ArtifactPath(dir, m.Target, m.HubID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing model %s: %w", path, err)
	}
	return path, nil
}

// Load reads the artifact of a (target, hub) pair from dir.
func Load(dir, target string, hubID int64) (*Model, error) {
	path := ArtifactPath(dir, target, hubID)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading model %s: %w", path, err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding model %s: %w", path, err)
	}
	p := len(m.Features)
	if len(m.Coefficients) != p || len(m.Means) != p || len(m.Scales) != p {
		return nil, fmt.Errorf("model %s: %d features but %d coefficients", path, p, len(m.Coefficients))
	}
	return &m, nil
}
