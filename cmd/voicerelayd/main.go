// Copyright © 2018 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import "github.com/n0ot/voicerelayd/cmd/voicerelayd/commands"

func main() {
	commands.Execute()
}
