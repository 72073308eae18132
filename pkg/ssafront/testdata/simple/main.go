package main

var counter int

func main() {
	total := 0
	for i := 0; i < 10; i++ {
		total = accumulate(total, i)
	}
	if total > 40 {
		counter = total
	}
}

func accumulate(sum, v int) int {
	return sum + v
}

func unused() {
	counter++
}
