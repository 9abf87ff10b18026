// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostdev

import (
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gomlx/gpublas/pkg/device"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// binaryOverhead is the fixed part of the reported binary size of a program: headers and
// metadata a real device compiler would emit.
const binaryOverhead = 2048

var (
	entryRegexp       = regexp.MustCompile(`__kernel\s+void\s+([A-Za-z_]\w*)\s*\(`)
	placeholderRegexp = regexp.MustCompile(`%[A-Z][A-Z_]*`)
	defineRegexp      = regexp.MustCompile(`(?m)^[ \t]*#define[ \t]+([A-Za-z_]\w*)(.*)$`)
)

// Program implements device.Program.
type Program struct {
	id         string
	source     string
	binarySize int

	// macros maps the names of the object-like #define's of the source to their values.
	macros map[string]string
}

// Compile-time check that hostdev.Program implements device.Program.
var _ device.Program = (*Program)(nil)

// ID implements device.Program.
func (p *Program) ID() string { return p.id }

// Source implements device.Program.
func (p *Program) Source() string { return p.source }

// BinarySizes implements device.Program. The host device has a single target.
func (p *Program) BinarySizes() []int { return []int{p.binarySize} }

// Defined returns whether the macro is defined in the program source.
func (p *Program) Defined(macro string) bool {
	_, found := p.macros[macro]
	return found
}

// IntMacro returns the integer value of a #define in the program source.
func (p *Program) IntMacro(macro string) (int, error) {
	value, found := p.macros[macro]
	if !found {
		return 0, errors.Errorf("macro %s not defined", macro)
	}
	v, err := strconv.Atoi(strings.Trim(value, "()"))
	if err != nil {
		return 0, errors.Wrapf(err, "macro %s=%q is not an integer", macro, value)
	}
	return v, nil
}

// Kernel implements device.Kernel.
type Kernel struct {
	name     string
	program  *Program
	ctx      *Context
	exec     executor
	released atomic.Bool
}

// Compile-time check that hostdev.Kernel implements device.Kernel.
var _ device.Kernel = (*Kernel)(nil)

// Name implements device.Kernel.
func (k *Kernel) Name() string { return k.name }

// Program implements device.Kernel.
func (k *Kernel) Program() device.Program { return k.program }

// Context implements device.Kernel.
func (k *Kernel) Context() device.Context { return k.ctx }

// Release implements device.Kernel, releasing also the program.
func (k *Kernel) Release() error {
	if k.released.Swap(true) {
		return errors.Errorf("hostdev: kernel %q released twice", k.name)
	}
	k.ctx.liveKernels.Add(-1)
	klog.V(2).Infof("hostdev: released kernel %q (program %s)", k.name, k.program.id)
	return nil
}

// BuildKernel implements device.Context.
//
// The source is checked for the entry point, for left-over template placeholders and for
// balanced braces, brackets and parenthesis. The entry point must name a kernel family the host
// device knows how to run.
func (ctx *Context) BuildKernel(source, entryPoint, options string) (device.Kernel, error) {
	if err := ctx.checkValid(); err != nil {
		return nil, err
	}
	program, err := compile(source, entryPoint)
	if err != nil {
		return nil, errors.WithMessagef(err, "hostdev: build of %q failed (options %q)", entryPoint, options)
	}
	exec, err := newExecutor(entryPoint, program)
	if err != nil {
		return nil, errors.WithMessagef(err, "hostdev: build of %q failed", entryPoint)
	}
	ctx.liveKernels.Add(1)
	ctx.kernelsBuilt.Add(1)
	klog.V(1).Infof("hostdev: built kernel %q, program %s with %d bytes of source", entryPoint, program.id, len(source))
	return &Kernel{name: entryPoint, program: program, ctx: ctx, exec: exec}, nil
}

// compile validates the source and extracts its macros.
func compile(source, entryPoint string) (*Program, error) {
	found := false
	for _, match := range entryRegexp.FindAllStringSubmatch(source, -1) {
		if match[1] == entryPoint {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("entry point %q not found in source", entryPoint)
	}
	if leftover := placeholderRegexp.FindAllString(source, 5); len(leftover) > 0 {
		return nil, errors.Errorf("source has unsubstituted placeholders %q", leftover)
	}
	if err := checkBalanced(source); err != nil {
		return nil, err
	}
	program := &Program{
		id:         uuid.NewString(),
		source:     source,
		binarySize: binaryOverhead + 2*len(source),
		macros:     make(map[string]string),
	}
	for _, match := range defineRegexp.FindAllStringSubmatch(source, -1) {
		value := match[2]
		if strings.HasPrefix(value, "(") {
			// Function-like macro, only its presence matters.
			program.macros[match[1]] = ""
			continue
		}
		program.macros[match[1]] = strings.TrimSpace(value)
	}
	return program, nil
}

// checkBalanced checks that (), [] and {} are balanced, ignoring comments.
func checkBalanced(source string) error {
	var stack []byte
	closing := map[byte]byte{')': '(', ']': '[', '}': '{'}
	line := 1
	for ii := 0; ii < len(source); ii++ {
		ch := source[ii]
		switch {
		case ch == '\n':
			line++
		case ch == '/' && ii+1 < len(source) && source[ii+1] == '/':
			for ii < len(source) && source[ii] != '\n' {
				ii++
			}
			line++
		case ch == '/' && ii+1 < len(source) && source[ii+1] == '*':
			end := strings.Index(source[ii+2:], "*/")
			if end < 0 {
				return errors.Errorf("line %d: unterminated comment", line)
			}
			line += strings.Count(source[ii:ii+2+end], "\n")
			ii += end + 3
		case ch == '(' || ch == '[' || ch == '{':
			stack = append(stack, ch)
		case ch == ')' || ch == ']' || ch == '}':
			if len(stack) == 0 || stack[len(stack)-1] != closing[ch] {
				return errors.Errorf("line %d: unbalanced %q", line, ch)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return errors.Errorf("unclosed %q at end of source", stack[len(stack)-1])
	}
	return nil
}
