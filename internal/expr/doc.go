// Package expr implements the clinical logic expression language: a
// FHIRPath-style expression syntax organized into libraries of named
// definitions.
//
// A library source looks like:
//
//	library COVIDCheck version '1.0.0'
//	context Patient
//
//	// CVX 207 is Moderna
//	define "ModernaDoses":
//	  ImmunizationCommon."CompletedImmunizations"
//	    .where(vaccineCode.coding.where(code = '207').exists())
//
//	define "ModernaProtocol":
//	  "ModernaDoses".count() >= 2
//
// Sources are parsed into an AST (ParseLibrary, ParseExpression) and then
// compiled (Compile) into a Library of Definitions whose bodies are
// closures. Name resolution happens at compile time:
//
//   - "Name" always refers to a definition of the same library.
//   - Lib."Name" and Lib.Name refer to a definition of a dependency
//     library called Lib.
//   - A bare Name at the top of an expression is a definition, then the
//     context type (the context resource); anything else fails to
//     compile.
//   - Inside the argument of an iterating function (where, select,
//     exists, all, sort) a bare name navigates the current item.
//
// Evaluation is collection based: every expression yields a Collection.
// and, or and implies use three-valued logic where the empty collection
// is unknown. Failures at evaluation time (type mismatches, unparseable
// dates, unresolvable references) are returned as errors from
// Definition.Eval; compile failures are *CompileError.
package expr
