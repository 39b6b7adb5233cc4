// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package linalg

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrDimensionMismatch indicates operands with incompatible shapes.
	ErrDimensionMismatch = errors.New("matrix dimension mismatch")

	// ErrInvalidShape indicates a negative or inconsistent matrix shape.
	ErrInvalidShape = errors.New("invalid matrix shape")
)

// -----------------------------------------------------------------------------
// Matrix
// -----------------------------------------------------------------------------

// Matrix is a dense row-major matrix stored in one contiguous buffer.
//
// Element (i, j) lives at data[i*stride+j]. Every operation in this package
// allocates its result; no function mutates its operands.
//
// Thread Safety: Not safe for concurrent mutation. Safe for concurrent reads.
type Matrix struct {
	rows   int
	cols   int
	stride int
	data   []float64
}

// New allocates a zero-filled rows × cols matrix.
//
// Inputs:
//   - rows: Number of rows. Must be >= 0.
//   - cols: Number of columns. Must be >= 0.
//
// Outputs:
//   - *Matrix: The new matrix. Never nil.
//
// Panics if a dimension is negative, mirroring make().
func New(rows, cols int) *Matrix {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("linalg: negative dimension %dx%d", rows, cols))
	}
	return &Matrix{
		rows:   rows,
		cols:   cols,
		stride: cols,
		data:   make([]float64, rows*cols),
	}
}

// NewFromData wraps a row-major buffer. The slice is copied.
//
// Outputs:
//   - *Matrix: The new matrix.
//   - error: ErrInvalidShape if len(data) != rows*cols.
func NewFromData(rows, cols int, data []float64) (*Matrix, error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %dx%d with %d values", ErrInvalidShape, rows, cols, len(data))
	}
	m := New(rows, cols)
	copy(m.data, data)
	return m, nil
}

// Identity returns the n × n identity matrix.
func Identity(n int) *Matrix {
	m := New(n, n)
	for i := 0; i < n; i++ {
		m.data[i*m.stride+i] = 1
	}
	return m
}

// Diagonal returns a square matrix with d on the diagonal.
func Diagonal(d []float64) *Matrix {
	m := New(len(d), len(d))
	for i, v := range d {
		m.data[i*m.stride+i] = v
	}
	return m
}

// Rows returns the number of rows.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Matrix) Cols() int { return m.cols }

// At returns element (i, j).
func (m *Matrix) At(i, j int) float64 {
	return m.data[i*m.stride+j]
}

// Set assigns element (i, j).
func (m *Matrix) Set(i, j int, v float64) {
	m.data[i*m.stride+j] = v
}

// AddAt adds v to element (i, j).
func (m *Matrix) AddAt(i, j int, v float64) {
	m.data[i*m.stride+j] += v
}

// Row returns a view of row i. Writes through the view modify the matrix.
func (m *Matrix) Row(i int) []float64 {
	start := i * m.stride
	return m.data[start : start+m.cols]
}

// Col returns a copy of column j.
func (m *Matrix) Col(j int) []float64 {
	out := make([]float64, m.rows)
	for i := 0; i < m.rows; i++ {
		out[i] = m.data[i*m.stride+j]
	}
	return out
}

// Data returns a copy of the matrix contents in row-major order.
func (m *Matrix) Data() []float64 {
	out := make([]float64, m.rows*m.cols)
	for i := 0; i < m.rows; i++ {
		copy(out[i*m.cols:(i+1)*m.cols], m.Row(i))
	}
	return out
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	out := New(m.rows, m.cols)
	for i := 0; i < m.rows; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Transpose returns the transpose as a new matrix.
func (m *Matrix) Transpose() *Matrix {
	out := New(m.cols, m.rows)
	for i := 0; i < m.rows; i++ {
		row := m.Row(i)
		for j, v := range row {
			out.data[j*out.stride+i] = v
		}
	}
	return out
}

// Trace returns the sum of the diagonal of a square matrix.
//
// Outputs:
//   - float64: The trace.
//   - error: ErrDimensionMismatch if the matrix is not square.
func (m *Matrix) Trace() (float64, error) {
	if m.rows != m.cols {
		return 0, fmt.Errorf("%w: trace of %dx%d", ErrDimensionMismatch, m.rows, m.cols)
	}
	var sum float64
	for i := 0; i < m.rows; i++ {
		sum += m.data[i*m.stride+i]
	}
	return sum, nil
}

// Scale returns s·m.
func (m *Matrix) Scale(s float64) *Matrix {
	out := m.Clone()
	for i := range out.data {
		out.data[i] *= s
	}
	return out
}

// Mul returns the product a·b.
//
// Inputs:
//   - a: Left operand (r × k).
//   - b: Right operand (k × c).
//
// Outputs:
//   - *Matrix: The r × c product.
//   - error: ErrDimensionMismatch if the inner dimensions differ.
func Mul(a, b *Matrix) (*Matrix, error) {
	if a.cols != b.rows {
		return nil, fmt.Errorf("%w: %dx%d · %dx%d", ErrDimensionMismatch, a.rows, a.cols, b.rows, b.cols)
	}
	out := New(a.rows, b.cols)
	for i := 0; i < a.rows; i++ {
		arow := a.Row(i)
		orow := out.Row(i)
		for k, av := range arow {
			if av == 0 {
				continue
			}
			brow := b.Row(k)
			for j, bv := range brow {
				orow[j] += av * bv
			}
		}
	}
	return out, nil
}

// MustMul is Mul for operands whose shapes are known to agree.
// It panics on mismatch and is only used on internally constructed matrices.
func MustMul(a, b *Matrix) *Matrix {
	out, err := Mul(a, b)
	if err != nil {
		panic(err)
	}
	return out
}

// MulVec returns the matrix-vector product m·x.
func MulVec(m *Matrix, x []float64) ([]float64, error) {
	if m.cols != len(x) {
		return nil, fmt.Errorf("%w: %dx%d · %d", ErrDimensionMismatch, m.rows, m.cols, len(x))
	}
	out := make([]float64, m.rows)
	for i := 0; i < m.rows; i++ {
		var sum float64
		for j, v := range m.Row(i) {
			sum += v * x[j]
		}
		out[i] = sum
	}
	return out, nil
}

// Add returns a + b.
func Add(a, b *Matrix) (*Matrix, error) {
	return AddScaled(a, b, 1)
}

// Sub returns a − b.
func Sub(a, b *Matrix) (*Matrix, error) {
	return AddScaled(a, b, -1)
}

// AddScaled returns a + s·b.
func AddScaled(a, b *Matrix, s float64) (*Matrix, error) {
	if a.rows != b.rows || a.cols != b.cols {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch, a.rows, a.cols, b.rows, b.cols)
	}
	out := a.Clone()
	for i := 0; i < a.rows; i++ {
		orow := out.Row(i)
		for j, v := range b.Row(i) {
			orow[j] += s * v
		}
	}
	return out, nil
}

// Dot returns the inner product of two equal-length vectors.
func Dot(x, y []float64) float64 {
	var sum float64
	for i := range x {
		sum += x[i] * y[i]
	}
	return sum
}

// QuadForm returns xᵀ·m·y.
func QuadForm(x []float64, m *Matrix, y []float64) (float64, error) {
	my, err := MulVec(m, y)
	if err != nil {
		return 0, err
	}
	if len(x) != len(my) {
		return 0, fmt.Errorf("%w: quadratic form %d vs %d", ErrDimensionMismatch, len(x), len(my))
	}
	return Dot(x, my), nil
}

// TraceOfProduct returns tr(a·b) without forming the product.
func TraceOfProduct(a, b *Matrix) (float64, error) {
	if a.cols != b.rows || a.rows != b.cols {
		return 0, fmt.Errorf("%w: tr(%dx%d · %dx%d)", ErrDimensionMismatch, a.rows, a.cols, b.rows, b.cols)
	}
	var sum float64
	for i := 0; i < a.rows; i++ {
		arow := a.Row(i)
		for k, av := range arow {
			sum += av * b.data[k*b.stride+i]
		}
	}
	return sum, nil
}

// Submatrix copies the rows and columns listed in idx into a square matrix.
func (m *Matrix) Submatrix(idx []int) *Matrix {
	out := New(len(idx), len(idx))
	for a, i := range idx {
		for b, j := range idx {
			out.data[a*out.stride+b] = m.data[i*m.stride+j]
		}
	}
	return out
}

// SetSubmatrix writes block into m at the rows and columns listed in idx.
func (m *Matrix) SetSubmatrix(idx []int, block *Matrix) {
	for a, i := range idx {
		for b, j := range idx {
			m.data[i*m.stride+j] = block.data[a*block.stride+b]
		}
	}
}
