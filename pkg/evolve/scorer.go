package evolve

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Scorer evaluates a basis function selection. Lower is better.
type Scorer interface {
	Score(ind *Individual) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ind *Individual) (float64, error)

func (f ScorerFunc) Score(ind *Individual) (float64, error) { return f(ind) }

// LeastSquaresScorer scores a selection by k-fold cross-validated RMSE of
// an ordinary least-squares fit restricted to the selected columns, plus
// a penalty proportional to the selection size.
type LeastSquaresScorer struct {
	// X is the full correlation matrix, one row per configuration and
	// one column per candidate basis function.
	X *mat.Dense
	// Y holds the observed values, one per configuration.
	Y []float64
	// Folds is the number of cross-validation folds; values below 2
	// score on the training set.
	Folds int
	// Penalty is added once per active basis function.
	Penalty float64
}

func NewLeastSquaresScorer(x *mat.Dense, y []float64, folds int, penalty float64) (*LeastSquaresScorer, error) {
	rows, _ := x.Dims()
	if rows != len(y) {
		return nil, fmt.Errorf("dimension mismatch: %d rows, %d values", rows, len(y))
	}
	return &LeastSquaresScorer{X: x, Y: y, Folds: folds, Penalty: penalty}, nil
}

func (s *LeastSquaresScorer) Score(ind *Individual) (float64, error) {
	cols := ind.Indices()
	if len(cols) == 0 {
		return math.Inf(1), nil
	}
	rows, _ := s.X.Dims()
	if rows <= len(cols) {
		// Underdetermined selections cannot generalize.
		return math.Inf(1), nil
	}

	rmse, err := s.crossValRMSE(cols)
	if err != nil {
		return 0, err
	}
	return rmse + s.Penalty*float64(len(cols)), nil
}

func (s *LeastSquaresScorer) crossValRMSE(cols []int) (float64, error) {
	rows, _ := s.X.Dims()

	folds := s.Folds
	if folds < 2 {
		coef, err := s.fit(allRows(rows), cols)
		if err != nil {
			return 0, err
		}
		return s.rmse(allRows(rows), cols, coef), nil
	}
	if folds > rows {
		folds = rows
	}

	var sumSq float64
	var n int
	for f := 0; f < folds; f++ {
		var train, test []int
		for i := 0; i < rows; i++ {
			if i%folds == f {
				test = append(test, i)
			} else {
				train = append(train, i)
			}
		}
		if len(train) <= len(cols) {
			return math.Inf(1), nil
		}
		coef, err := s.fit(train, cols)
		if err != nil {
			return 0, err
		}
		for _, i := range test {
			r := s.predict(i, cols, coef) - s.Y[i]
			sumSq += r * r
			n++
		}
	}
	return math.Sqrt(sumSq / float64(n)), nil
}

// fit solves the least-squares problem on a row/column submatrix.
func (s *LeastSquaresScorer) fit(rows, cols []int) (*mat.VecDense, error) {
	a := mat.NewDense(len(rows), len(cols), nil)
	b := mat.NewVecDense(len(rows), nil)
	for ri, r := range rows {
		for ci, c := range cols {
			a.Set(ri, ci, s.X.At(r, c))
		}
		b.SetVec(ri, s.Y[r])
	}

	var qr mat.QR
	qr.Factorize(a)
	coef := mat.NewVecDense(len(cols), nil)
	if err := qr.SolveVecTo(coef, false, b); err != nil {
		return nil, fmt.Errorf("least squares solve: %w", err)
	}
	return coef, nil
}

func (s *LeastSquaresScorer) predict(row int, cols []int, coef *mat.VecDense) float64 {
	var v float64
	for ci, c := range cols {
		v += s.X.At(row, c) * coef.AtVec(ci)
	}
	return v
}

func (s *LeastSquaresScorer) rmse(rows, cols []int, coef *mat.VecDense) float64 {
	var sumSq float64
	for _, r := range rows {
		d := s.predict(r, cols, coef) - s.Y[r]
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(rows)))
}

func allRows(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
