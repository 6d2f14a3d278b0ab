// Package expr defines the validated expression tree behind every strategy
// formula. Formulas are constructed and recombined as trees, never as raw
// strings, so a syntactically invalid formula is unrepresentable.
package expr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// LogicOp joins two boolean subexpressions.
type LogicOp string

const (
	OpAnd LogicOp = "AND"
	OpOr  LogicOp = "OR"
)

// CompareOp relates two series-valued operands.
type CompareOp string

const (
	OpGT         CompareOp = ">"
	OpLT         CompareOp = "<"
	OpGE         CompareOp = ">="
	OpLE         CompareOp = "<="
	OpCrossAbove CompareOp = "CROSS_ABOVE"
	OpCrossBelow CompareOp = "CROSS_BELOW"
)

// TransformKind is a windowed series transform.
type TransformKind string

const (
	TransformMA     TransformKind = "MA"
	TransformZScore TransformKind = "ZSCORE"
	TransformRank   TransformKind = "RANK"
	TransformDecay  TransformKind = "DECAY"
)

// Node is one vertex of a formula tree. Boolean-valued nodes (Compare,
// Logic) form the upper layers; series-valued nodes (Num, Ref, Call,
// Transform, Lag) form the operands.
type Node interface {
	String() string
	isNode()
}

// Num is a numeric literal operand.
type Num struct {
	Value float64
}

// Ref is a bare price/volume series reference (close, volume, ...).
type Ref struct {
	Name string
}

// Call is a technical-indicator invocation.
type Call struct {
	Name string
	Args []Node
}

// Transform wraps a series-valued node in a windowed transform.
type Transform struct {
	Kind   TransformKind
	Window int
	Inner  Node
}

// Lag shifts a series-valued node back by a fixed number of periods.
type Lag struct {
	Periods int
	Inner   Node
}

// Compare relates two series-valued operands and yields a signal.
type Compare struct {
	Op    CompareOp
	Left  Node
	Right Node
}

// Logic combines two boolean subexpressions.
type Logic struct {
	Op    LogicOp
	Left  Node
	Right Node
}

func (*Num) isNode()       {}
func (*Ref) isNode()       {}
func (*Call) isNode()      {}
func (*Transform) isNode() {}
func (*Lag) isNode()       {}
func (*Compare) isNode()   {}
func (*Logic) isNode()     {}

func (n *Num) String() string {
	return strconv.FormatFloat(n.Value, 'g', -1, 64)
}

func (n *Ref) String() string {
	return strings.ToLower(n.Name)
}

func (n *Call) String() string {
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", strings.ToUpper(n.Name), strings.Join(args, ", "))
}

func (n *Transform) String() string {
	return fmt.Sprintf("%s(%s, %d)", n.Kind, n.Inner.String(), n.Window)
}

func (n *Lag) String() string {
	return fmt.Sprintf("LAG(%s, %d)", n.Inner.String(), n.Periods)
}

func (n *Compare) String() string {
	return fmt.Sprintf("%s %s %s", n.Left.String(), n.Op, n.Right.String())
}

func (n *Logic) String() string {
	return fmt.Sprintf("(%s) %s (%s)", n.Left.String(), n.Op, n.Right.String())
}

// Family buckets indicators by what they measure. The diversity audit keys
// lineage buckets off these.
type Family string

const (
	FamilyTrend         Family = "trend"
	FamilyMomentum      Family = "momentum"
	FamilyVolatility    Family = "volatility"
	FamilyVolume        Family = "volume"
	FamilyMeanReversion Family = "mean_reversion"
)

var indicatorFamilies = map[string]Family{
	"SMA": FamilyTrend, "EMA": FamilyTrend, "WMA": FamilyTrend,
	"MACD": FamilyTrend, "ADX": FamilyTrend, "AROON": FamilyTrend,
	"SAR": FamilyTrend,

	"RSI": FamilyMomentum, "STOCH": FamilyMomentum, "STOCHRSI": FamilyMomentum,
	"ROC": FamilyMomentum, "MOM": FamilyMomentum, "CCI": FamilyMomentum,
	"WILLR": FamilyMomentum, "TSI": FamilyMomentum,

	"ATR": FamilyVolatility, "NATR": FamilyVolatility, "STDDEV": FamilyVolatility,
	"BBWIDTH": FamilyVolatility, "KELTNER": FamilyVolatility,

	"OBV": FamilyVolume, "MFI": FamilyVolume, "CMF": FamilyVolume,
	"AD": FamilyVolume, "VOSC": FamilyVolume,

	"BBANDS": FamilyMeanReversion, "BBUPPER": FamilyMeanReversion,
	"BBLOWER": FamilyMeanReversion,
}

var seriesRefs = map[string]bool{
	"open": true, "high": true, "low": true, "close": true,
	"volume": true, "vwap": true,
}

var transformFamilies = map[TransformKind]Family{
	TransformMA:     FamilyTrend,
	TransformZScore: FamilyMeanReversion,
	TransformRank:   FamilyMeanReversion,
	TransformDecay:  FamilyTrend,
}

// Families returns the sorted set of indicator families the tree touches.
func Families(n Node) []Family {
	set := make(map[Family]bool)
	walkFamilies(n, set)

	out := make([]Family, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func walkFamilies(n Node, set map[Family]bool) {
	switch v := n.(type) {
	case *Ref:
		if strings.ToLower(v.Name) == "volume" || strings.ToLower(v.Name) == "vwap" {
			set[FamilyVolume] = true
		}
	case *Call:
		if f, ok := indicatorFamilies[strings.ToUpper(v.Name)]; ok {
			set[f] = true
		}
		for _, a := range v.Args {
			walkFamilies(a, set)
		}
	case *Transform:
		set[transformFamilies[v.Kind]] = true
		walkFamilies(v.Inner, set)
	case *Lag:
		walkFamilies(v.Inner, set)
	case *Compare:
		walkFamilies(v.Left, set)
		walkFamilies(v.Right, set)
	case *Logic:
		walkFamilies(v.Left, set)
		walkFamilies(v.Right, set)
	}
}

// Signature is the structural lineage key used by the diversity audit:
// the formula's families joined in sorted order.
func Signature(n Node) string {
	fams := Families(n)
	parts := make([]string, len(fams))
	for i, f := range fams {
		parts[i] = string(f)
	}
	if len(parts) == 0 {
		return "price_only"
	}
	return strings.Join(parts, "+")
}

// Complexity counts tree nodes. The heuristic fitness scorer reads it as a
// proxy for how much structure a formula carries.
func Complexity(n Node) int {
	count := 1
	switch v := n.(type) {
	case *Call:
		for _, a := range v.Args {
			count += Complexity(a)
		}
	case *Transform:
		count += Complexity(v.Inner)
	case *Lag:
		count += Complexity(v.Inner)
	case *Compare:
		count += Complexity(v.Left) + Complexity(v.Right)
	case *Logic:
		count += Complexity(v.Left) + Complexity(v.Right)
	}
	return count
}

// Combinators counts boolean joins in the tree.
func Combinators(n Node) int {
	switch v := n.(type) {
	case *Logic:
		return 1 + Combinators(v.Left) + Combinators(v.Right)
	case *Compare:
		return Combinators(v.Left) + Combinators(v.Right)
	case *Transform:
		return Combinators(v.Inner)
	case *Lag:
		return Combinators(v.Inner)
	case *Call:
		total := 0
		for _, a := range v.Args {
			total += Combinators(a)
		}
		return total
	}
	return 0
}

// Clone deep-copies a tree so operators can rewrite a child without
// touching the parent.
func Clone(n Node) Node {
	switch v := n.(type) {
	case *Num:
		c := *v
		return &c
	case *Ref:
		c := *v
		return &c
	case *Call:
		args := make([]Node, len(v.Args))
		for i, a := range v.Args {
			args[i] = Clone(a)
		}
		return &Call{Name: v.Name, Args: args}
	case *Transform:
		return &Transform{Kind: v.Kind, Window: v.Window, Inner: Clone(v.Inner)}
	case *Lag:
		return &Lag{Periods: v.Periods, Inner: Clone(v.Inner)}
	case *Compare:
		return &Compare{Op: v.Op, Left: Clone(v.Left), Right: Clone(v.Right)}
	case *Logic:
		return &Logic{Op: v.Op, Left: Clone(v.Left), Right: Clone(v.Right)}
	}
	return nil
}

// Comparisons returns every Compare node in evaluation order. Mutation
// targets live here: operand wraps, operator swaps, threshold nudges.
func Comparisons(n Node) []*Compare {
	var out []*Compare
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *Compare:
			out = append(out, v)
		case *Logic:
			walk(v.Left)
			walk(v.Right)
		}
	}
	walk(n)
	return out
}

// Numbers returns every numeric literal in the tree, left to right.
func Numbers(n Node) []*Num {
	var out []*Num
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *Num:
			out = append(out, v)
		case *Call:
			for _, a := range v.Args {
				walk(a)
			}
		case *Transform:
			walk(v.Inner)
		case *Lag:
			walk(v.Inner)
		case *Compare:
			walk(v.Left)
			walk(v.Right)
		case *Logic:
			walk(v.Left)
			walk(v.Right)
		}
	}
	walk(n)
	return out
}
