// Package serialization saves and loads named tensor values in SafeTensors format.
//
// SafeTensors is the standard format for HuggingFace models:
//
//	[8 bytes: header size (uint64 LE)]
//	[header: JSON, tensor name -> {dtype, shape, data_offsets}, optional "__metadata__"]
//	[tensor data: raw little-endian bytes, tensors in name order]
//
// Example usage:
//
//	values := map[string]*tensor.Value{"dy/dx": grad}
//	if err := serialization.WriteSafeTensors("grads.safetensors", values, nil); err != nil {
//	    log.Fatal(err)
//	}
//	loaded, meta, err := serialization.ReadSafeTensors("grads.safetensors")
package serialization
