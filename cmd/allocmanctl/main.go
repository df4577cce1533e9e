// Command allocmanctl boots an allocation manager on a simulated kernel and
// reports how it behaves under load.
package main

func main() {
	execute()
}
