// Package barrier implements the reference write barrier and its card table.
//
// Every store of an object reference into linear memory made by generated
// code goes through one of the Barrier entry points. The store happens
// first, then the card containing the destination is marked dirty, so a
// collector that observes the new reference also observes the dirty card.
//
// # Entry points
//
//   - AssignReference: unconditional; the destination must lie in the heap.
//   - CheckedAssignReference: marks only when the destination lies in the
//     heap, so stores to statics or shadow stack slots leave no record.
//   - AssignReferenceWithContext: calling-convention shim which ignores its
//     leading context argument and forwards to AssignReference.
//   - CopyReferences: bulk move of a reference array, marking every heap
//     card the destination range covers.
//
// # Card table
//
// The heap range [lo, hi) is divided into cards of 1<<shift bytes. A mark is
// one bit in an array of 32-bit words updated with atomic OR, so workers
// mutating neighbouring cards never lose each other's marks. The dirty set
// is a superset of the mutated slots: a card stays dirty until the collector
// clears it.
package barrier
