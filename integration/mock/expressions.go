package mock

import (
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	andSep     = regexp.MustCompile(`(?i)\s+AND\s+`)
	funcTerm   = regexp.MustCompile(`^(attribute_exists|attribute_not_exists|begins_with)\(\s*([^,\s)]+)\s*(?:,\s*([^\s)]+)\s*)?\)$`)
	compare    = regexp.MustCompile(`^(\S+)\s*(=|<>|<=|>=|<|>)\s*(\S+)$`)
	clauseWord = regexp.MustCompile(`(?i)\b(SET|REMOVE|ADD)\s`)
)

func splitAnd(expr string) []string {
	parts := andSep.Split(strings.TrimSpace(expr), -1)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func resolveName(ref string, names map[string]string) string {
	if strings.HasPrefix(ref, "#") {
		if n, ok := names[ref]; ok {
			return n
		}
	}
	return ref
}

func operand(ref string, names map[string]string, values map[string]types.AttributeValue, it item) types.AttributeValue {
	if strings.HasPrefix(ref, ":") {
		return values[ref]
	}
	return it[resolveName(ref, names)]
}

// evaluate reports whether it satisfies a condition or key expression built
// from AND-joined comparisons, attribute_exists, attribute_not_exists and
// begins_with. An empty expression always holds. Unsupported terms never match.
func evaluate(expr string, names map[string]string, values map[string]types.AttributeValue, it item) bool {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	for _, term := range splitAnd(expr) {
		if strings.HasPrefix(term, "(") && strings.HasSuffix(term, ")") && !funcTerm.MatchString(term) {
			term = strings.TrimSpace(term[1 : len(term)-1])
		}
		if !evaluateTerm(term, names, values, it) {
			return false
		}
	}
	return true
}

func evaluateTerm(term string, names map[string]string, values map[string]types.AttributeValue, it item) bool {
	if g := funcTerm.FindStringSubmatch(term); g != nil {
		name := resolveName(g[2], names)
		_, exists := it[name]
		switch g[1] {
		case "attribute_exists":
			return exists
		case "attribute_not_exists":
			return !exists
		case "begins_with":
			s, ok := it[name].(*types.AttributeValueMemberS)
			prefix, pok := values[g[3]].(*types.AttributeValueMemberS)
			return ok && pok && strings.HasPrefix(s.Value, prefix.Value)
		}
	}
	if g := compare.FindStringSubmatch(term); g != nil {
		left := operand(g[1], names, values, it)
		right := operand(g[3], names, values, it)
		if left == nil || right == nil {
			return g[2] == "<>" && (left == nil) != (right == nil)
		}
		switch g[2] {
		case "=":
			return equal(left, right)
		case "<>":
			return !equal(left, right)
		default:
			c, ok := order(left, right)
			if !ok {
				return false
			}
			switch g[2] {
			case "<":
				return c < 0
			case "<=":
				return c <= 0
			case ">":
				return c > 0
			case ">=":
				return c >= 0
			}
		}
	}
	return false
}

func equal(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		c, ok := order(av, bv)
		return ok && c == 0
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	}
	return reflect.DeepEqual(a, b)
}

func order(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, err1 := strconv.ParseFloat(av.Value, 64)
		y, err2 := strconv.ParseFloat(bv.Value, 64)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// applyUpdate applies SET, REMOVE and numeric ADD clauses to it in place.
func applyUpdate(it item, expr string, names map[string]string, values map[string]types.AttributeValue) {
	locs := clauseWord.FindAllStringSubmatchIndex(expr, -1)
	for i, loc := range locs {
		end := len(expr)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		keyword := strings.ToUpper(expr[loc[2]:loc[3]])
		body := strings.TrimSpace(expr[loc[1]:end])

		for _, action := range strings.Split(body, ",") {
			action = strings.TrimSpace(action)
			if action == "" {
				continue
			}
			switch keyword {
			case "SET":
				parts := strings.SplitN(action, "=", 2)
				if len(parts) != 2 {
					continue
				}
				name := resolveName(strings.TrimSpace(parts[0]), names)
				if v, ok := values[strings.TrimSpace(parts[1])]; ok {
					it[name] = v
				}
			case "REMOVE":
				delete(it, resolveName(action, names))
			case "ADD":
				fields := strings.Fields(action)
				if len(fields) != 2 {
					continue
				}
				name := resolveName(fields[0], names)
				delta, ok := values[fields[1]].(*types.AttributeValueMemberN)
				if !ok {
					continue
				}
				it[name] = addNumbers(it[name], delta)
			}
		}
	}
}

func addNumbers(current types.AttributeValue, delta *types.AttributeValueMemberN) types.AttributeValue {
	d, err := strconv.ParseFloat(delta.Value, 64)
	if err != nil {
		return current
	}
	base := 0.0
	if n, ok := current.(*types.AttributeValueMemberN); ok {
		if v, err := strconv.ParseFloat(n.Value, 64); err == nil {
			base = v
		}
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(base+d, 'f', -1, 64)}
}
