/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc-go's encoding registry and used
// as the content-subtype on every call this package makes, in place
// of the "proto" codec a protoc-gen-go-grpc service would use. There
// is no .proto/protoc step in this tree: messages are plain Go
// structs marshaled with encoding/json.
const codecName = "json"

// jsonCodec implements encoding.Codec (Marshal/Unmarshal/Name) over
// encoding/json, the same shape protoc-gen-go-grpc generates for the
// "proto" codec, so it plugs into grpc.ServiceDesc/grpc.NewServer
// exactly like a generated codec would.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
