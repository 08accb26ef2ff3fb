package metarelay

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UrbanFunctions lists the gasless actions exposed by the municipal contracts.
var UrbanFunctions = MustFunctionTable(
	"registerCitizen(bytes32)",
	"approveRoleRequest(address)",
	"rejectCitizen(address,string)",
	"payTax(uint256,uint256)",
	"fileGrievance(string,string,string[])",
	"approveGrievance(uint256,string)",
	"rejectGrievance(uint256,string)",
	"addComment(uint256,string)",
	"upvoteProject(uint256)",
)

// FunctionTable maps function names to parsed ABI methods. Signatures are
// parsed once, when the table is defined, so a malformed declaration is
// caught before any call data is produced.
type FunctionTable struct {
	methods map[string]abi.Method
}

// NewFunctionTable parses Solidity function signatures such as "payTax(uint256,uint256)"
func NewFunctionTable(signatures ...string) (*FunctionTable, error) {
	t := &FunctionTable{methods: make(map[string]abi.Method, len(signatures))}
	for _, sig := range signatures {
		method, err := parseSignature(sig)
		if err != nil {
			return nil, err
		}
		if _, dup := t.methods[method.Name]; dup {
			return nil, fmt.Errorf("duplicate function %q in table", method.Name)
		}
		t.methods[method.Name] = method
	}
	return t, nil
}

// MustFunctionTable is like NewFunctionTable but panics on a malformed signature
func MustFunctionTable(signatures ...string) *FunctionTable {
	t, err := NewFunctionTable(signatures...)
	if err != nil {
		panic(err)
	}
	return t
}

// Method returns the ABI method registered under name
func (t *FunctionTable) Method(name string) (abi.Method, bool) {
	m, ok := t.methods[name]
	return m, ok
}

// Signatures returns the canonical signatures in the table, sorted
func (t *FunctionTable) Signatures() []string {
	sigs := make([]string, 0, len(t.methods))
	for _, m := range t.methods {
		sigs = append(sigs, m.Sig)
	}
	sort.Strings(sigs)
	return sigs
}

// Encode ABI-encodes a call to name with args
func (t *FunctionTable) Encode(name string, args ...interface{}) ([]byte, error) {
	method, ok := t.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if len(args) != len(method.Inputs) {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrEncoding, method.Sig, len(method.Inputs), len(args))
	}
	packed, err := method.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncoding, method.Sig, err)
	}

	data := make([]byte, 0, len(method.ID)+len(packed))
	data = append(data, method.ID...)
	data = append(data, packed...)
	return data, nil
}

// ParseArgs converts textual arguments into the Go values expected by name's
// parameter types. Array parameters take a JSON array of strings.
func (t *FunctionTable) ParseArgs(name string, raw []string) ([]interface{}, error) {
	method, ok := t.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if len(raw) != len(method.Inputs) {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrEncoding, method.Sig, len(method.Inputs), len(raw))
	}

	args := make([]interface{}, len(raw))
	for i, input := range method.Inputs {
		v, err := parseArg(input.Type, raw[i])
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d of %s: %v", ErrEncoding, i, method.Sig, err)
		}
		args[i] = v
	}
	return args, nil
}

func parseSignature(sig string) (abi.Method, error) {
	sig = strings.TrimSpace(sig)
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return abi.Method{}, fmt.Errorf("malformed function signature %q", sig)
	}
	name := sig[:open]
	params := sig[open+1 : len(sig)-1]
	if strings.ContainsAny(params, "()") {
		return abi.Method{}, fmt.Errorf("tuple parameters are not supported in %q", sig)
	}

	var inputs abi.Arguments
	if strings.TrimSpace(params) != "" {
		for i, raw := range strings.Split(params, ",") {
			typ, err := abi.NewType(strings.TrimSpace(raw), "", nil)
			if err != nil {
				return abi.Method{}, fmt.Errorf("bad parameter %d in %q: %w", i, sig, err)
			}
			inputs = append(inputs, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: typ})
		}
	}
	return abi.NewMethod(name, name, abi.Function, "nonpayable", false, false, inputs, nil), nil
}

var bigIntType = reflect.TypeOf(&big.Int{})

func parseArg(typ abi.Type, raw string) (interface{}, error) {
	switch typ.T {
	case abi.AddressTy:
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid address %q", raw)
		}
		return common.HexToAddress(raw), nil
	case abi.BoolTy:
		return strconv.ParseBool(raw)
	case abi.StringTy:
		return raw, nil
	case abi.BytesTy:
		return hexutil.Decode(raw)
	case abi.FixedBytesTy:
		b, err := hexutil.Decode(raw)
		if err != nil {
			return nil, err
		}
		if len(b) != typ.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", typ.Size, len(b))
		}
		v := reflect.New(typ.GetType()).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v.Interface(), nil
	case abi.IntTy, abi.UintTy:
		n, ok := new(big.Int).SetString(raw, 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		if typ.T == abi.UintTy && n.Sign() < 0 {
			return nil, fmt.Errorf("negative value %q for %s", raw, typ.String())
		}
		goType := typ.GetType()
		if goType == bigIntType {
			return n, nil
		}
		if (!n.IsInt64() && !n.IsUint64()) || (typ.T == abi.UintTy && n.BitLen() > typ.Size) {
			return nil, fmt.Errorf("value %q overflows %s", raw, typ.String())
		}
		if typ.T == abi.UintTy {
			return reflect.ValueOf(n.Uint64()).Convert(goType).Interface(), nil
		}
		return reflect.ValueOf(n.Int64()).Convert(goType).Interface(), nil
	case abi.SliceTy:
		var elems []string
		if err := json.Unmarshal([]byte(raw), &elems); err != nil {
			return nil, fmt.Errorf("expected JSON array: %w", err)
		}
		out := reflect.MakeSlice(typ.GetType(), 0, len(elems))
		for _, e := range elems {
			v, err := parseArg(*typ.Elem, e)
			if err != nil {
				return nil, err
			}
			out = reflect.Append(out, reflect.ValueOf(v))
		}
		return out.Interface(), nil
	}
	return nil, fmt.Errorf("unsupported parameter type %s", typ.String())
}
